package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/schaermu/gitto/internal/git"
	"github.com/schaermu/gitto/internal/notify"
)

const (
	// DefaultCommitMessage is used for commits created from local changes
	DefaultCommitMessage = "Auto-commit: Syncing changes"

	lfsCommitMessage = "Auto-commit: Added lfs tracking"
	lfsAttributes    = ".gitattributes"
)

// HeadResolver returns the commit HEAD points at
type HeadResolver interface {
	Head(ctx context.Context) (string, error)
}

// PullMergePusher runs the pull-merge-push protocol
type PullMergePusher interface {
	PullMergePush(ctx context.Context) Outcome
}

// Options carries optional engine collaborators
type Options struct {
	// CommitMessage defaults to DefaultCommitMessage
	CommitMessage string
	// Heads, when set, lets a pull count as integrated if HEAD moved even
	// though its output carries no merge marker.
	Heads HeadResolver
	// Status, when set, receives the outcome of every operation
	Status *StatusStore
}

// Engine turns local changes into commits on the remote and pulls remote
// changes back. Every operation runs under the Guard lock and reports
// failures through the notifier instead of returning errors.
type Engine struct {
	repo          *git.Repo
	notifier      notify.Notifier
	guard         *Guard
	logger        *slog.Logger
	heads         HeadResolver
	status        *StatusStore
	commitMessage string
}

// NewEngine creates a new sync engine
func NewEngine(runner git.Runner, notifier notify.Notifier, guard *Guard, logger *slog.Logger, opts Options) *Engine {
	msg := opts.CommitMessage
	if msg == "" {
		msg = DefaultCommitMessage
	}
	return &Engine{
		repo:          git.NewRepo(runner),
		notifier:      notifier,
		guard:         guard,
		logger:        logger,
		heads:         opts.Heads,
		status:        opts.Status,
		commitMessage: msg,
	}
}

// SyncChanges stages, commits and pushes whatever changed in the working tree.
// A rejected push falls back to the pull-merge-push protocol.
func (e *Engine) SyncChanges(ctx context.Context) Outcome {
	e.guard.Lock()
	defer e.guard.Unlock()

	if e.guard.ShuttingDown() {
		e.logger.Info("shutdown requested, skipping sync")
		return OutcomeSkipped
	}

	// Started sequences always run to completion
	ctx = context.WithoutCancel(ctx)

	outcome, detail := e.syncChanges(ctx)
	e.record(OpSync, outcome, detail)
	return outcome
}

func (e *Engine) syncChanges(ctx context.Context) (Outcome, string) {
	if res := e.repo.StageAll(ctx); !res.Succeeded {
		e.logger.Info("no changes detected")
		return OutcomeNoChanges, ""
	}

	if res := e.repo.Porcelain(ctx); res.Succeeded && res.Output == "" {
		e.logger.Info("no changes detected")
		return OutcomeNoChanges, ""
	}

	if res := e.repo.Commit(ctx, e.commitMessage); !res.Succeeded {
		return OutcomeCommitFailed, res.ErrorDetail
	}

	push := e.repo.Push(ctx)
	if push.Succeeded {
		e.logger.Info("changes pushed")
		return OutcomePushed, ""
	}

	const msg = "Push failed, attempting to pull and merge..."
	e.logger.Warn(msg, "error", push.ErrorDetail)
	e.notifier.Notify("Push Failed", msg+"\n"+push.ErrorDetail)

	outcome, detail := e.pullMergePush(ctx)
	switch outcome {
	case OutcomeMerged:
		return OutcomeRecovered, ""
	case OutcomeUpToDate:
		// Nothing came in, so the rejection was not caused by remote commits
		return OutcomePushFailed, push.ErrorDetail
	default:
		return outcome, detail
	}
}

// CheckIfAhead pushes when the local branch already holds commits the
// remote lacks. A failed push here is only reported; it does not fall back
// to pull-merge-push.
func (e *Engine) CheckIfAhead(ctx context.Context) Outcome {
	e.guard.Lock()
	defer e.guard.Unlock()

	if e.guard.ShuttingDown() {
		return OutcomeSkipped
	}
	ctx = context.WithoutCancel(ctx)

	status := e.repo.Status(ctx)
	if !status.Succeeded || !git.IsAhead(status.Output) {
		e.record(OpCheckAhead, OutcomeNotAhead, status.ErrorDetail)
		return OutcomeNotAhead
	}

	e.logger.Info("local branch is ahead of remote, pushing changes")
	push := e.repo.Push(ctx)
	if !push.Succeeded {
		const msg = "Push failed while trying to sync local changes."
		e.logger.Warn(msg, "error", push.ErrorDetail)
		e.notifier.Notify("Push Failed", msg+"\n"+push.ErrorDetail)
		e.record(OpCheckAhead, OutcomePushFailed, push.ErrorDetail)
		return OutcomePushFailed
	}

	e.record(OpCheckAhead, OutcomePushed, "")
	return OutcomePushed
}

// PullMergePush pulls from the remote and pushes again when the pull
// integrated anything. A failed pull stops the sequence and leaves the
// repository for the operator to resolve.
func (e *Engine) PullMergePush(ctx context.Context) Outcome {
	e.guard.Lock()
	defer e.guard.Unlock()

	if e.guard.ShuttingDown() {
		e.logger.Info("shutdown requested, skipping pull")
		return OutcomeSkipped
	}
	ctx = context.WithoutCancel(ctx)

	outcome, detail := e.pullMergePush(ctx)
	e.record(OpReconcile, outcome, detail)
	return outcome
}

// pullMergePush expects the guard to be held
func (e *Engine) pullMergePush(ctx context.Context) (Outcome, string) {
	e.logger.Info("attempting to pull and merge")

	before := e.head(ctx)
	pull := e.repo.Pull(ctx)
	if !pull.Succeeded {
		const msg = "Pull failed, stopping further operations."
		e.logger.Error(msg, "error", pull.ErrorDetail)
		e.notifier.Notify("Pull Failed", msg+"\n"+pull.ErrorDetail)
		return OutcomePullFailed, pull.ErrorDetail
	}

	integrated := git.Integrated(pull.Output)
	if !integrated && before != "" {
		after := e.head(ctx)
		integrated = after != "" && after != before
	}
	if !integrated {
		e.logger.Debug("already up to date")
		return OutcomeUpToDate, ""
	}

	e.logger.Info("merge was successful with no conflicts, pushing changes")
	push := e.repo.Push(ctx)
	if !push.Succeeded {
		e.logger.Error("push after merge failed", "error", push.ErrorDetail)
		e.notifier.Notify("Push After Merge Failed", push.ErrorDetail)
		return OutcomeMergePushFailed, push.ErrorDetail
	}

	return OutcomeMerged, ""
}

// RegisterLFS tracks each pattern with git-lfs and commits the resulting
// .gitattributes. Failures are logged only.
func (e *Engine) RegisterLFS(ctx context.Context, patterns []string) {
	e.guard.Lock()
	defer e.guard.Unlock()

	if e.guard.ShuttingDown() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	tracked := 0
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if res := e.repo.TrackLFS(ctx, p); res.Succeeded {
			tracked++
		}
	}
	if tracked == 0 {
		return
	}

	if res := e.repo.StageFile(ctx, lfsAttributes); !res.Succeeded {
		return
	}
	if res := e.repo.Commit(ctx, lfsCommitMessage); res.Succeeded {
		e.logger.Info("committed lfs tracking", "patterns", tracked)
	}
}

func (e *Engine) head(ctx context.Context) string {
	if e.heads == nil {
		return ""
	}
	h, err := e.heads.Head(ctx)
	if err != nil {
		e.logger.Debug("could not resolve HEAD", "error", err)
		return ""
	}
	return h
}

func (e *Engine) record(op string, outcome Outcome, detail string) {
	e.logger.Info("operation finished", "operation", op, "outcome", outcome)
	if e.status == nil {
		return
	}
	if err := e.status.Record(op, outcome, detail, time.Now()); err != nil {
		e.logger.Warn("failed to save status", "path", e.status.Path(), "error", err)
	}
}
