// Package apply turns one patch series into commits on an isolated branch.
//
// The engine drives the git binary through an executor.Runner and moves a
// series through the states Start -> BranchCreated -> Applying -> Applied |
// ApplyFailed. Application is strictly sequential and all-or-nothing: patch
// N may depend textually on patch N-1, so the first failure aborts the rest
// of the series and rolls the branch back to its pre-apply state.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/tedd-an/action-patchwork-to-pr/internal/executor"
)

// ErrBaseBranchMissing is returned by VerifyBase when the configured base
// branch does not exist in the local repository. This is fatal to the run;
// nothing can be reconciled without a base to branch from.
var ErrBaseBranchMissing = errors.New("base branch does not exist")

// ErrPush is returned when pushing a branch to the remote fails.
var ErrPush = errors.New("push failed")

// ErrCheckout is returned when checking out the base branch fails. The
// working directory discipline (always leave the base branch checked out)
// cannot be upheld after this, so callers treat it as fatal.
var ErrCheckout = errors.New("checkout failed")

// State is the terminal state of one apply attempt.
type State int

const (
	// StateApplied means every patch applied cleanly; the branch holds the
	// full series and is ready to push.
	StateApplied State = iota

	// StateBranchFailed means the series branch could not be created.
	StateBranchFailed

	// StateApplyFailed means a patch did not apply; the branch was rolled
	// back and must never be pushed.
	StateApplyFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateApplied:
		return "applied"
	case StateBranchFailed:
		return "branch-create-failed"
	case StateApplyFailed:
		return "apply-failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one apply attempt. It is a value, not an
// error: both success and failure are expected conditions the caller must
// handle.
type Outcome struct {
	State State

	// FailedPatch is the index into the patch list of the patch that did
	// not apply. Valid only when State is StateApplyFailed.
	FailedPatch int

	// Stdout and Stderr carry the failing git invocation's output for
	// diagnostics. Empty when State is StateApplied.
	Stdout string
	Stderr string
}

// Engine applies series to branches of one local git checkout.
type Engine struct {
	dir  string
	base string
	run  executor.Runner
	log  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// NewEngine creates an Engine over the checkout at dir with the given base
// branch.
func NewEngine(dir, baseBranch string, run executor.Runner, opts ...Option) *Engine {
	e := &Engine{
		dir:  dir,
		base: baseBranch,
		run:  run,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// VerifyBase opens the local repository and checks that the base branch
// exists. Returns ErrBaseBranchMissing when it does not.
func (e *Engine) VerifyBase(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	repo, err := gogit.PlainOpen(e.dir)
	if err != nil {
		return fmt.Errorf("opening repository at %s: %w", e.dir, err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(e.base), true); err != nil {
		return fmt.Errorf("%q: %w", e.base, ErrBaseBranchMissing)
	}
	return nil
}

// CheckoutBase switches the working directory back to the base branch.
// Every reconciliation path, success or failure, ends here so that no
// series branch is ever left checked out across iterations.
func (e *Engine) CheckoutBase(ctx context.Context) error {
	result, err := e.run.Run(ctx, e.dir, "git", "checkout", e.base)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git checkout %s: %s: %w", e.base, result.Combined(), ErrCheckout)
	}
	return nil
}

// Apply creates branch from the currently checked out base branch and
// applies the patch files in order.
//
// The returned error is non-nil only for launch failures (git binary
// missing, context cancelled), which are fatal to the run. Every expected
// git-level failure is reported through the Outcome. On StateApplyFailed
// the in-progress apply has been aborted (git am --abort); the caller is
// responsible for returning to the base branch.
func (e *Engine) Apply(ctx context.Context, branch string, patches []string) (Outcome, error) {
	result, err := e.run.Run(ctx, e.dir, "git", "checkout", "-b", branch)
	if err != nil {
		return Outcome{}, err
	}
	if result.ExitCode != 0 {
		e.log.Error("branch creation failed", "branch", branch, "output", result.Combined())
		return Outcome{
			State:  StateBranchFailed,
			Stdout: result.Stdout,
			Stderr: result.Stderr,
		}, nil
	}

	for i, patch := range patches {
		result, err := e.run.Run(ctx, e.dir, "git", "am", patch)
		if err != nil {
			return Outcome{}, err
		}
		if result.ExitCode == 0 {
			continue
		}

		// Roll the half-applied patch back before abandoning the branch.
		if abort, abortErr := e.run.Run(ctx, e.dir, "git", "am", "--abort"); abortErr != nil {
			return Outcome{}, abortErr
		} else if abort.ExitCode != 0 {
			e.log.Warn("git am --abort failed", "branch", branch, "output", abort.Combined())
		}

		e.log.Error("patch failed to apply",
			"branch", branch, "patch", patch, "index", i)
		return Outcome{
			State:       StateApplyFailed,
			FailedPatch: i,
			Stdout:      result.Stdout,
			Stderr:      result.Stderr,
		}, nil
	}

	return Outcome{State: StateApplied}, nil
}

// Push pushes branch to the origin remote. Returns ErrPush on a git-level
// failure; the error carries git's stderr for the log.
func (e *Engine) Push(ctx context.Context, branch string) error {
	result, err := e.run.Run(ctx, e.dir, "git", "push", "origin", branch)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git push origin %s: %s: %w", branch, result.Combined(), ErrPush)
	}
	return nil
}

// DeleteRemoteBranch removes branch from the origin remote. Used to roll
// back a pushed branch when pull request creation fails afterwards.
func (e *Engine) DeleteRemoteBranch(ctx context.Context, branch string) error {
	result, err := e.run.Run(ctx, e.dir, "git", "push", "origin", "--delete", branch)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git push origin --delete %s: %s: %w", branch, result.Combined(), ErrPush)
	}
	return nil
}
