// Package gitcoord implements the Git Coordinator: per-run worktree
// preparation, staged commits, pushes, draft pull-request opening, and
// cleanup, all workspace-scoped and shelling out to the system `git`
// binary the way a local coding agent would.
package gitcoord

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/telemetry"
)

// PullRequestRequest describes a draft PR to open after a run pushes its
// branch.
type PullRequestRequest struct {
	RepoURL string
	Branch  string
	Base    string
	Title   string
	Body    string
}

// Coordinator is the Git Coordinator's public contract (spec §4.4). All
// operations are workspace-scoped by the caller passing workspace-unique
// paths/branches; the coordinator itself holds no workspace state.
type Coordinator interface {
	// PrepareWorktree clones/fetches repo, creates newBranch off baseBranch,
	// and returns a local working directory checked out to newBranch.
	PrepareWorktree(ctx context.Context, repo, baseBranch, newBranch string) (string, error)
	// StageAndCommit stages files (or everything changed, if files is
	// empty) and commits with message, returning the new commit SHA.
	StageAndCommit(ctx context.Context, path, message string, files []string) (string, error)
	// Push pushes branch from path to its configured remote.
	Push(ctx context.Context, path, branch string) error
	// OpenPullRequest opens a draft PR and returns its URL.
	OpenPullRequest(ctx context.Context, req PullRequestRequest) (string, error)
	// Cleanup removes local worktree state. Remote branches are left intact
	// for review.
	Cleanup(ctx context.Context, path string) error
}

type coordinator struct {
	scratchDir string
	gh         githubClient
	telem      telemetry.Set
}

// New constructs a Coordinator that checks out worktrees under scratchDir
// and opens pull requests via gh (nil disables OpenPullRequest, returning a
// typed error instead of a nil-pointer panic).
func New(scratchDir string, gh githubClient, telem telemetry.Set) Coordinator {
	return &coordinator{scratchDir: scratchDir, gh: gh, telem: telem.Fill()}
}

// BranchName renders the spec §4.4 branch format: {prefix}/{task-slug}/run-{n}.
func BranchName(prefix, taskSlug string, runNumber int) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "mgx"
	}
	return fmt.Sprintf("%s/%s/run-%d", prefix, taskSlug, runNumber)
}

// RenderCommitMessage substitutes the {task_name} and {run_number}
// placeholders the spec documents for commit templates. An empty template
// falls back to a conventional default.
func RenderCommitMessage(template, taskName string, runNumber int) string {
	if strings.TrimSpace(template) == "" {
		template = "chore: {task_name} (run {run_number})"
	}
	msg := strings.ReplaceAll(template, "{task_name}", taskName)
	msg = strings.ReplaceAll(msg, "{run_number}", strconv.Itoa(runNumber))
	return msg
}

func (c *coordinator) PrepareWorktree(ctx context.Context, repo, baseBranch, newBranch string) (string, error) {
	if repo == "" || newBranch == "" {
		return "", ferrors.New(ferrors.KindInvalidInput, "gitcoord.PrepareWorktree", "repo and new branch are required")
	}
	dir := filepath.Join(c.scratchDir, sanitizeDirName(newBranch))
	if err := os.RemoveAll(dir); err != nil {
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.PrepareWorktree", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.PrepareWorktree", err)
	}

	base := baseBranch
	if base == "" {
		base = "HEAD"
	}
	if _, err := runGit(ctx, "", "clone", "--branch", base, "--single-branch", "--depth", "1", repo, dir); err != nil {
		if isAuthFailure(err) {
			return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.PrepareWorktree", err).WithDetails(map[string]any{"reason": "auth_failure"})
		}
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.PrepareWorktree", err)
	}

	if branchExists(ctx, dir, newBranch) {
		if _, err := runGit(ctx, dir, "checkout", newBranch); err != nil {
			return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.PrepareWorktree", err).WithDetails(map[string]any{"reason": "branch_exists"})
		}
		return dir, nil
	}
	if _, err := runGit(ctx, dir, "checkout", "-b", newBranch); err != nil {
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.PrepareWorktree", err)
	}
	return dir, nil
}

func (c *coordinator) StageAndCommit(ctx context.Context, path, message string, files []string) (string, error) {
	if path == "" || message == "" {
		return "", ferrors.New(ferrors.KindInvalidInput, "gitcoord.StageAndCommit", "path and message are required")
	}
	addArgs := append([]string{"add"}, files...)
	if len(files) == 0 {
		addArgs = []string{"add", "-A"}
	}
	if _, err := runGit(ctx, path, addArgs...); err != nil {
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.StageAndCommit", err)
	}

	staged, _ := runGit(ctx, path, "diff", "--cached", "--name-only")
	if strings.TrimSpace(staged) == "" {
		return "", ferrors.New(ferrors.KindGitFailed, "gitcoord.StageAndCommit", "nothing to commit")
	}

	if _, err := runGit(ctx, path, "commit", "-m", message); err != nil {
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.StageAndCommit", err)
	}
	sha, err := runGit(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.StageAndCommit", err)
	}
	return strings.TrimSpace(sha), nil
}

func (c *coordinator) Push(ctx context.Context, path, branch string) error {
	if path == "" || branch == "" {
		return ferrors.New(ferrors.KindInvalidInput, "gitcoord.Push", "path and branch are required")
	}
	if _, err := runGit(ctx, path, "push", "--set-upstream", "origin", branch); err != nil {
		if isAuthFailure(err) {
			return ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.Push", err).WithDetails(map[string]any{"reason": "auth_failure"})
		}
		return ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.Push", err)
	}
	return nil
}

func (c *coordinator) OpenPullRequest(ctx context.Context, req PullRequestRequest) (string, error) {
	if c.gh == nil {
		return "", ferrors.New(ferrors.KindGitFailed, "gitcoord.OpenPullRequest", "no GitHub client configured")
	}
	owner, repoName, err := parseRepoURL(req.RepoURL)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindInvalidInput, "gitcoord.OpenPullRequest", err)
	}
	base := req.Base
	if base == "" {
		base = "main"
	}

	existing, err := c.gh.GetPullRequestByBranch(ctx, owner, repoName, req.Branch)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.OpenPullRequest", err)
	}
	if existing != "" {
		return "", ferrors.New(ferrors.KindGitFailed, "gitcoord.OpenPullRequest", "pull request already exists").WithDetails(map[string]any{"reason": "pr_exists", "pr_url": existing})
	}

	url, err := c.gh.CreateDraftPullRequest(ctx, owner, repoName, base, req.Branch, req.Title, req.Body)
	if err != nil {
		if isAuthFailure(err) {
			return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.OpenPullRequest", err).WithDetails(map[string]any{"reason": "auth_failure"})
		}
		return "", ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.OpenPullRequest", err)
	}
	return url, nil
}

func (c *coordinator) Cleanup(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return ferrors.Wrap(ferrors.KindGitFailed, "gitcoord.Cleanup", err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func branchExists(ctx context.Context, dir, branch string) bool {
	_, err := runGit(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "could not read username")
}

var scpLikeURL = regexp.MustCompile(`^git@[^:]+:([^/]+)/(.+?)(?:\.git)?$`)

// parseRepoURL extracts owner/repo from an https or scp-like git remote URL.
func parseRepoURL(repo string) (owner, name string, err error) {
	if m := scpLikeURL.FindStringSubmatch(repo); m != nil {
		return m[1], m[2], nil
	}
	u, err := url.Parse(repo)
	if err != nil {
		return "", "", fmt.Errorf("invalid repo url %q: %w", repo, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("repo url %q does not contain owner/repo", repo)
	}
	owner = parts[0]
	name = strings.TrimSuffix(parts[1], ".git")
	return owner, name, nil
}

func sanitizeDirName(branch string) string {
	return strings.ReplaceAll(branch, "/", "__")
}
