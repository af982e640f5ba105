package ids_test

import (
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/ids"
)

func TestSlugBasic(t *testing.T) {
	require.Equal(t, "add-health-endpoint", ids.Slug("Add health endpoint"))
	require.Equal(t, "foo-bar", ids.Slug("  Foo___Bar!! "))
	require.Equal(t, "", ids.Slug("!!!"))
}

func TestSlugBoundedAndCharset(t *testing.T) {
	long := strings.Repeat("abcde ", 30)
	s := ids.Slug(long)
	require.LessOrEqual(t, len(s), 50)
	for _, r := range s {
		require.True(t, (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-')
	}
	require.False(t, strings.HasPrefix(s, "-"))
	require.False(t, strings.HasSuffix(s, "-"))
	require.NotContains(t, s, "--")
}

func TestSlugIdempotent(t *testing.T) {
	f := func(s string) bool {
		return ids.Slug(ids.Slug(s)) == ids.Slug(s)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestNewAndNewPrefixedAreUnique(t *testing.T) {
	a, b := ids.New(), ids.New()
	require.NotEqual(t, a, b)
	p := ids.NewPrefixed("run")
	require.True(t, strings.HasPrefix(p, "run-"))
}
