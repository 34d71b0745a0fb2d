package git

import (
	"context"
	"strings"
)

const (
	// AheadMarker appears in `git status` when the branch has unpushed commits
	AheadMarker = "Your branch is ahead of"

	mergeMarker       = "Merge made by the"
	fastForwardMarker = "Fast-forward"
)

// Repo exposes the git subcommands the sync engine needs
type Repo struct {
	runner Runner
}

// NewRepo wraps a Runner
func NewRepo(runner Runner) *Repo {
	return &Repo{runner: runner}
}

// Status reports divergence from the upstream without fetching or listing untracked files
func (r *Repo) Status(ctx context.Context) Result {
	return r.runner.Run(ctx, "status", "-uno")
}

// Porcelain lists working tree changes in machine-readable form
func (r *Repo) Porcelain(ctx context.Context) Result {
	return r.runner.Run(ctx, "status", "--porcelain")
}

// StageAll stages every change in the working tree, including deletions
func (r *Repo) StageAll(ctx context.Context) Result {
	return r.runner.Run(ctx, "add", "-A")
}

// StageFile stages a single path
func (r *Repo) StageFile(ctx context.Context, path string) Result {
	return r.runner.Run(ctx, "add", "--", path)
}

// Commit records the staged changes
func (r *Repo) Commit(ctx context.Context, message string) Result {
	return r.runner.Run(ctx, "commit", "-m", message)
}

// Push pushes the current branch to its upstream
func (r *Repo) Push(ctx context.Context) Result {
	return r.runner.Run(ctx, "push")
}

// Pull fetches and merges the upstream branch. The merge strategy is pinned
// because git refuses a divergent pull when pull.rebase is unset.
func (r *Repo) Pull(ctx context.Context) Result {
	return r.runner.Run(ctx, "pull", "--no-rebase", "--no-edit")
}

// TrackLFS registers a large-file pattern in .gitattributes
func (r *Repo) TrackLFS(ctx context.Context, pattern string) Result {
	return r.runner.Run(ctx, "lfs", "track", pattern)
}

// IsAhead reports whether status output says the local branch has unpushed commits
func IsAhead(statusOutput string) bool {
	return strings.Contains(statusOutput, AheadMarker)
}

// Integrated reports whether pull output shows a merge or fast-forward happened
func Integrated(pullOutput string) bool {
	return strings.Contains(pullOutput, mergeMarker) || strings.Contains(pullOutput, fastForwardMarker)
}
