package git

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/gitto/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingRunner captures invocations and replies with canned results.
type recordingRunner struct {
	calls [][]string
	reply Result
}

func (r *recordingRunner) Run(_ context.Context, args ...string) Result {
	r.calls = append(r.calls, args)
	return r.reply
}

func TestShellRunner_RunSucceeds(t *testing.T) {
	testutil.RequireGit(t)

	dir := t.TempDir()
	testutil.Git(t, dir, "init", "-b", "main")

	// The process cwd must not matter: the runner is qualified with -C.
	runner := NewShellRunner("git", dir, discardLogger())
	res := runner.Run(context.Background(), "rev-parse", "--is-inside-work-tree")

	require.True(t, res.Succeeded, res.ErrorDetail)
	assert.Equal(t, "true", res.Output)
	assert.Empty(t, res.ErrorDetail)
}

func TestShellRunner_RunFailureIsAResult(t *testing.T) {
	testutil.RequireGit(t)

	runner := NewShellRunner("git", t.TempDir(), discardLogger())
	res := runner.Run(context.Background(), "status")

	assert.False(t, res.Succeeded)
	assert.Contains(t, res.ErrorDetail, "error executing command:")
	assert.Contains(t, res.ErrorDetail, "error output:")
	assert.Contains(t, res.ErrorDetail, "not a git repository")
}

func TestShellRunner_MissingBinary(t *testing.T) {
	runner := NewShellRunner("/nonexistent/git-binary", t.TempDir(), discardLogger())
	res := runner.Run(context.Background(), "status")

	assert.False(t, res.Succeeded)
	assert.Contains(t, res.ErrorDetail, "error executing command:")
}

func TestShellRunner_CommandLine(t *testing.T) {
	runner := NewShellRunner("", "/srv/my notes", discardLogger())

	assert.Equal(t, "/srv/my notes", runner.Dir())
	assert.Equal(t, `git -C '/srv/my notes' add -A`, runner.CommandLine("add", "-A"))
	assert.Equal(t,
		`git -C '/srv/my notes' commit -m 'Auto-commit: Syncing changes'`,
		runner.CommandLine("commit", "-m", "Auto-commit: Syncing changes"))
	assert.Equal(t, `git -C '/srv/my notes' lfs track '*.psd'`, runner.CommandLine("lfs", "track", "*.psd"))
}

func TestRepo_Subcommands(t *testing.T) {
	runner := &recordingRunner{reply: Result{Succeeded: true}}
	repo := NewRepo(runner)
	ctx := context.Background()

	repo.Status(ctx)
	repo.Porcelain(ctx)
	repo.StageAll(ctx)
	repo.StageFile(ctx, ".gitattributes")
	repo.Commit(ctx, "msg")
	repo.Push(ctx)
	repo.Pull(ctx)
	repo.TrackLFS(ctx, "*.bin")

	assert.Equal(t, [][]string{
		{"status", "-uno"},
		{"status", "--porcelain"},
		{"add", "-A"},
		{"add", "--", ".gitattributes"},
		{"commit", "-m", "msg"},
		{"push"},
		{"pull", "--no-rebase", "--no-edit"},
		{"lfs", "track", "*.bin"},
	}, runner.calls)
}

func TestIsAhead(t *testing.T) {
	ahead := "On branch main\nYour branch is ahead of 'origin/main' by 2 commits.\n  (use \"git push\" to publish your local commits)"
	current := "On branch main\nYour branch is up to date with 'origin/main'."

	assert.True(t, IsAhead(ahead))
	assert.False(t, IsAhead(current))
	assert.False(t, IsAhead(""))
}

func TestIntegrated(t *testing.T) {
	for _, tc := range []struct {
		name   string
		output string
		want   bool
	}{
		{name: "fast-forward", output: "Updating 1a2b3c4..5d6e7f8\nFast-forward\n notes.md | 2 +-", want: true},
		{name: "merge", output: "Merge made by the 'ort' strategy.\n notes.md | 1 +", want: true},
		{name: "up to date", output: "Already up to date.", want: false},
		{name: "empty", output: "", want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Integrated(tc.output))
		})
	}
}

func TestHeadReader(t *testing.T) {
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	hash, err := wt.Commit("first", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@test.com", When: time.Now()},
	})
	require.NoError(t, err)

	// Resolving from a subdirectory finds the enclosing repository.
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0755))

	head, err := NewHeadReader(sub).Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash.String(), head)
}

func TestHeadReader_NotARepository(t *testing.T) {
	_, err := NewHeadReader(t.TempDir()).Head(context.Background())
	assert.Error(t, err)
}
