package ferrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/ferrors"
)

func TestKindOfDefaultsToInternalForPlainErrors(t *testing.T) {
	require.Equal(t, ferrors.KindInternal, ferrors.KindOf(errors.New("boom")))
	require.Equal(t, ferrors.Kind(""), ferrors.KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.Push", cause)
	require.ErrorIs(t, err, cause)
	require.True(t, ferrors.Is(err, ferrors.KindGitFailed))
	require.False(t, ferrors.Retryable(err))
}

func TestWithDetailsAndRetryableAreCopyOnWrite(t *testing.T) {
	base := ferrors.New(ferrors.KindLLMFailed, "llmport.Complete", "provider timeout")
	derived := base.WithDetails(map[string]any{"attempt": 3}).WithRetryable(true)

	require.Nil(t, base.Details)
	require.False(t, base.Retryable)
	require.True(t, derived.Retryable)
	require.Equal(t, 3, derived.Details["attempt"])
}
