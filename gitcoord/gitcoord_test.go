package gitcoord

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/telemetry"
)

func TestBranchNameFormat(t *testing.T) {
	require.Equal(t, "mgx/add-login/run-3", BranchName("mgx", "add-login", 3))
	require.Equal(t, "mgx/add-login/run-1", BranchName("", "add-login", 1))
}

func TestRenderCommitMessageSubstitutesPlaceholders(t *testing.T) {
	msg := RenderCommitMessage("feat: {task_name} (round {run_number})", "add login", 2)
	require.Equal(t, "feat: add login (round 2)", msg)
}

func TestRenderCommitMessageDefaultsWhenTemplateEmpty(t *testing.T) {
	msg := RenderCommitMessage("", "add login", 1)
	require.Contains(t, msg, "add login")
	require.Contains(t, msg, "1")
}

func TestParseRepoURLHandlesHTTPSAndSCP(t *testing.T) {
	owner, repo, err := parseRepoURL("https://github.com/acme/widgets.git")
	require.NoError(t, err)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", repo)

	owner, repo, err = parseRepoURL("git@github.com:acme/widgets.git")
	require.NoError(t, err)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", repo)
}

// setupBareOrigin creates a local bare repository with one commit on
// "main", usable as a clone/push target without any network access.
func setupBareOrigin(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	seed := filepath.Join(root, "seed")

	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run(root, "init", "--bare", "-b", "main", origin)
	run(root, "init", "-b", "main", seed)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o644))
	run(seed, "add", "-A")
	run(seed, "commit", "-m", "seed")
	run(seed, "remote", "add", "origin", origin)
	run(seed, "push", "origin", "main")

	return origin
}

func TestPrepareWorktreeStageCommitPushAgainstLocalOrigin(t *testing.T) {
	origin := setupBareOrigin(t)
	scratch := t.TempDir()
	coord := New(scratch, nil, telemetry.NoopSet())
	ctx := context.Background()

	path, err := coord.PrepareWorktree(ctx, origin, "main", BranchName("mgx", "add-feature", 1))
	require.NoError(t, err)
	require.DirExists(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(path, "feature.txt"), []byte("new stuff\n"), 0o644))
	sha, err := coord.StageAndCommit(ctx, path, "feat: add feature (run 1)", nil)
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	require.NoError(t, coord.Push(ctx, path, BranchName("mgx", "add-feature", 1)))

	require.NoError(t, coord.Cleanup(ctx, path))
	require.NoDirExists(t, path)
}

func TestStageAndCommitFailsWhenNothingStaged(t *testing.T) {
	origin := setupBareOrigin(t)
	scratch := t.TempDir()
	coord := New(scratch, nil, telemetry.NoopSet())
	ctx := context.Background()

	path, err := coord.PrepareWorktree(ctx, origin, "main", BranchName("mgx", "no-op", 1))
	require.NoError(t, err)

	_, err = coord.StageAndCommit(ctx, path, "chore: no-op", nil)
	require.Error(t, err)
}

func TestOpenPullRequestWithoutGitHubClientIsNonFatalTypedError(t *testing.T) {
	coord := New(t.TempDir(), nil, telemetry.NoopSet())
	_, err := coord.OpenPullRequest(context.Background(), PullRequestRequest{
		RepoURL: "https://github.com/acme/widgets.git",
		Branch:  "mgx/x/run-1",
		Title:   "t",
	})
	require.Error(t, err)
}
