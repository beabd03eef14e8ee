// Package reconcile keeps the remote pull request and issue set converged
// with the local patch series collection.
//
// One run walks every local series in repository order, creates a pull
// request for each series that applies cleanly and has no remote artifact
// yet, files a tracking issue for each series that fails to apply, and
// finally closes every remote artifact whose series no longer exists
// locally. Runs are idempotent: re-running against an unchanged local and
// remote state performs no mutating call.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tedd-an/action-patchwork-to-pr/internal/apply"
	"github.com/tedd-an/action-patchwork-to-pr/internal/forge"
	"github.com/tedd-an/action-patchwork-to-pr/internal/series"
)

// SeriesSource is the local series collection seam, satisfied by
// *series.Repository.
type SeriesSource interface {
	List() ([]series.Dir, error)
	Metadata(d series.Dir) (*series.Series, error)
	Patches(d series.Dir) ([]string, error)
	CoverLetterPath(d series.Dir) (string, bool)
}

// Engine is the git apply seam, satisfied by *apply.Engine.
type Engine interface {
	VerifyBase(ctx context.Context) error
	CheckoutBase(ctx context.Context) error
	Apply(ctx context.Context, branch string, patches []string) (apply.Outcome, error)
	Push(ctx context.Context, branch string) error
	DeleteRemoteBranch(ctx context.Context, branch string) error
}

// Notifier is the failure notification seam, satisfied by *notify.Notifier.
type Notifier interface {
	ApplyFailure(ctx context.Context, s *series.Series, patchPath string, out apply.Outcome) error
}

// Config carries the per-run settings.
type Config struct {
	// BaseBranch is the branch pull requests target and series branches
	// start from.
	BaseBranch string

	// DryRun computes and logs every decision but performs no mutating
	// operation, local or remote.
	DryRun bool

	// CreateDelay is the pause before each artifact creation, to stay
	// under the hosting service's abuse limits.
	CreateDelay time.Duration
}

// Reconciler drives one synchronization run. Processing is strictly
// sequential: all series share one working directory and one checked-out
// branch at a time.
type Reconciler struct {
	source   SeriesSource
	forge    forge.Forge
	engine   Engine
	notifier Notifier
	cfg      Config
	log      *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		r.log = log
	}
}

// New creates a Reconciler.
func New(source SeriesSource, f forge.Forge, engine Engine, notifier Notifier, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:   source,
		forge:    f,
		engine:   engine,
		notifier: notifier,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one full reconciliation: the per-series loop followed by the
// cleanup pass. Per-series failures are logged and skipped; only
// infrastructure failures (base branch missing, remote index unavailable,
// git binary unlaunchable, base checkout broken) return an error and halt
// the run.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.engine.VerifyBase(ctx); err != nil {
		return fmt.Errorf("verifying base branch: %w", err)
	}

	prs, err := r.forge.ListOpenPullRequests(ctx)
	if err != nil {
		return err
	}
	issues, err := r.forge.ListOpenIssues(ctx)
	if err != nil {
		return err
	}

	dirs, err := r.source.List()
	if err != nil {
		return err
	}
	r.log.Info("reconciling series collection",
		"series", len(dirs), "open_prs", len(prs), "open_issues", len(issues))

	// IDs of every series present locally, for the cleanup pass.
	local := make(map[int]bool)

	for _, dir := range dirs {
		if err := r.syncSeries(ctx, dir, prs, issues, local); err != nil {
			return fmt.Errorf("series %s: %w", dir.Name, err)
		}
	}

	r.cleanup(ctx, prs, issues, local)
	return nil
}

// syncSeries reconciles one series directory. A non-nil return is fatal to
// the run; every expected per-series condition is handled by logging and
// skipping.
func (r *Reconciler) syncSeries(ctx context.Context, dir series.Dir, prs, issues []forge.Artifact, local map[int]bool) error {
	s, err := r.source.Metadata(dir)
	if err != nil {
		// A directory without valid metadata is not a series; skip it
		// without aborting the run.
		r.log.Warn("skipping series directory", "dir", dir.Name, "reason", err)
		return nil
	}
	// Track the series locally even when it is skipped below: its remote
	// artifacts must survive the cleanup pass as long as the series exists.
	local[s.ID] = true

	patches, err := r.source.Patches(dir)
	if err != nil {
		r.log.Warn("skipping series", "series", s.ID, "reason", err)
		return nil
	}

	if forge.ContainsSeries(prs, s.ID) {
		r.log.Debug("series already has an open pull request", "series", s.ID)
		return nil
	}
	if forge.ContainsSeries(issues, s.ID) {
		// A previous apply failure was already reported. No autonomous
		// retry: a human closes the issue to trigger a new attempt.
		r.log.Debug("series has an open failure issue, not retrying", "series", s.ID)
		return nil
	}

	if r.cfg.DryRun {
		r.log.Info("dry run: would apply and sync series", "series", s.ID, "patches", len(patches))
		return nil
	}

	// Start every attempt from a known-good base checkout. A broken base
	// checkout would corrupt the shared working directory, so it is fatal.
	if err := r.engine.CheckoutBase(ctx); err != nil {
		return err
	}

	branch := strconv.Itoa(s.ID)
	outcome, err := r.engine.Apply(ctx, branch, patches)
	if err != nil {
		// Launch failures mean the git binary itself is broken.
		return err
	}

	switch outcome.State {
	case apply.StateBranchFailed:
		r.log.Error("could not create series branch", "series", s.ID, "branch", branch)
		return r.engine.CheckoutBase(ctx)
	case apply.StateApplyFailed:
		// Abandon the series branch before reporting; it is never pushed.
		if err := r.engine.CheckoutBase(ctx); err != nil {
			return err
		}
		r.reportApplyFailure(ctx, s, patches, outcome)
		return nil
	default:
		r.publish(ctx, s, dir, branch, patches)
		return r.engine.CheckoutBase(ctx)
	}
}

// reportApplyFailure handles StateApplyFailed: notify the submitter, then
// file a tracking issue whose title marker suppresses automatic retries on
// later runs. The series branch is abandoned and never pushed.
func (r *Reconciler) reportApplyFailure(ctx context.Context, s *series.Series, patches []string, outcome apply.Outcome) {
	failed := ""
	if outcome.FailedPatch < len(patches) {
		failed = patches[outcome.FailedPatch]
	}
	r.log.Error("series failed to apply",
		"series", s.ID, "patch", failed, "index", outcome.FailedPatch)

	if err := r.notifier.ApplyFailure(ctx, s, failed, outcome); err != nil {
		r.log.Warn("apply-failure notification not delivered", "series", s.ID, "error", err)
	}

	title := forge.FormatTitle(s.ID, s.DisplayName())
	body := issueBody(s, failed, outcome)

	r.pause(ctx)
	if _, err := r.forge.CreateIssue(ctx, title, body); err != nil {
		// Without the issue the failure will be retried next run; report
		// it but keep going.
		r.log.Error("failed to create tracking issue", "series", s.ID, "error", err)
	}
}

// publish handles StateApplied: push the series branch and open the pull
// request. If the push fails no pull request is created. If the pull
// request creation fails the pushed branch is rolled back so no orphan is
// left behind.
func (r *Reconciler) publish(ctx context.Context, s *series.Series, dir series.Dir, branch string, patches []string) {
	if err := r.engine.Push(ctx, branch); err != nil {
		r.log.Error("failed to push series branch", "series", s.ID, "branch", branch, "error", err)
		return
	}

	title := forge.FormatTitle(s.ID, s.DisplayName())
	body, err := r.prBody(dir, patches)
	if err != nil {
		r.log.Warn("could not extract pull request body", "series", s.ID, "error", err)
	}

	r.pause(ctx)
	pr, err := r.forge.CreatePullRequest(ctx, title, body, r.cfg.BaseBranch, branch)
	if err != nil {
		r.log.Error("failed to create pull request, rolling back pushed branch",
			"series", s.ID, "branch", branch, "error", err)
		if delErr := r.engine.DeleteRemoteBranch(ctx, branch); delErr != nil {
			r.log.Error("ORPHANED BRANCH: pushed branch has no pull request and could not be deleted",
				"series", s.ID, "branch", branch, "error", delErr)
		}
		return
	}

	r.log.Info("series synced", "series", s.ID, "pr", pr.Number)
}

// cleanup closes every remote artifact carrying a series marker whose
// series no longer exists locally. Artifacts without the marker are not
// ours and are never touched. Cleanup failures are logged, never fatal:
// the next run converges again.
func (r *Reconciler) cleanup(ctx context.Context, prs, issues []forge.Artifact, local map[int]bool) {
	for _, pr := range prs {
		id, ok := forge.ExtractSeriesID(pr.Title)
		if !ok || local[id] {
			continue
		}
		if r.cfg.DryRun {
			r.log.Info("dry run: would close stale pull request", "pr", pr.Number, "series", id)
			continue
		}
		if err := r.forge.ClosePullRequest(ctx, pr.Number); err != nil {
			r.log.Error("failed to close stale pull request", "pr", pr.Number, "error", err)
			continue
		}
		r.log.Info("closed stale pull request", "pr", pr.Number, "series", id)
		if pr.HeadBranch == "" {
			continue
		}
		if err := r.forge.DeleteBranch(ctx, pr.HeadBranch); err != nil {
			r.log.Warn("failed to delete stale branch", "branch", pr.HeadBranch, "error", err)
		}
	}

	for _, issue := range issues {
		id, ok := forge.ExtractSeriesID(issue.Title)
		if !ok || local[id] {
			continue
		}
		if r.cfg.DryRun {
			r.log.Info("dry run: would close stale issue", "issue", issue.Number, "series", id)
			continue
		}
		if err := r.forge.CloseIssue(ctx, issue.Number); err != nil {
			r.log.Error("failed to close stale issue", "issue", issue.Number, "error", err)
			continue
		}
		r.log.Info("closed stale issue", "issue", issue.Number, "series", id)
	}
}

// pause sleeps for the configured creation delay, returning early when the
// context is cancelled.
func (r *Reconciler) pause(ctx context.Context) {
	if r.cfg.CreateDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.cfg.CreateDelay):
	}
}

// issueBody renders the tracking issue for a failed series.
func issueBody(s *series.Series, failedPatch string, outcome apply.Outcome) string {
	return fmt.Sprintf(
		"Series #%d (%s) failed to apply onto the base branch.\n\n"+
			"Failing patch (#%d in the series): `%s`\n\n"+
			"```\n%s\n```\n\n"+
			"Close this issue to let the next run retry the series.\n",
		s.ID, s.DisplayName(), outcome.FailedPatch+1, failedPatch,
		combinedOutput(outcome))
}

func combinedOutput(outcome apply.Outcome) string {
	switch {
	case outcome.Stdout == "":
		return outcome.Stderr
	case outcome.Stderr == "":
		return outcome.Stdout
	default:
		return outcome.Stdout + "\n" + outcome.Stderr
	}
}
