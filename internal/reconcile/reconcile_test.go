package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedd-an/action-patchwork-to-pr/internal/apply"
	"github.com/tedd-an/action-patchwork-to-pr/internal/forge"
	"github.com/tedd-an/action-patchwork-to-pr/internal/reconcile"
	"github.com/tedd-an/action-patchwork-to-pr/internal/series"
)

// fakeSource serves a scripted series collection.
type fakeSource struct {
	dirs     []series.Dir
	metadata map[string]*series.Series
	metaErr  map[string]error
	patches  map[string][]string
	patchErr map[string]error
	covers   map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		metadata: make(map[string]*series.Series),
		metaErr:  make(map[string]error),
		patches:  make(map[string][]string),
		patchErr: make(map[string]error),
		covers:   make(map[string]string),
	}
}

func (f *fakeSource) List() ([]series.Dir, error) { return f.dirs, nil }

func (f *fakeSource) Metadata(d series.Dir) (*series.Series, error) {
	if err := f.metaErr[d.Name]; err != nil {
		return nil, err
	}
	return f.metadata[d.Name], nil
}

func (f *fakeSource) Patches(d series.Dir) ([]string, error) {
	if err := f.patchErr[d.Name]; err != nil {
		return nil, err
	}
	return f.patches[d.Name], nil
}

func (f *fakeSource) CoverLetterPath(d series.Dir) (string, bool) {
	path, ok := f.covers[d.Name]
	return path, ok
}

// addSeries registers a healthy series with one patch file on disk so the
// pull request body can be extracted.
func (f *fakeSource) addSeries(t *testing.T, id int, name string) {
	t.Helper()

	dir := t.TempDir()
	patch := filepath.Join(dir, "0001.patch")
	content := "From 1 Mon Sep 17 00:00:00 2001\n" +
		"Subject: [PATCH] change for " + name + "\n" +
		"\n" +
		"Body line one.\n" +
		"Body line two.\n" +
		"---\n" +
		" file.c | 1 +\n"
	require.NoError(t, os.WriteFile(patch, []byte(content), 0o644))

	dirName := fmt.Sprintf("%d", id)
	f.dirs = append(f.dirs, series.Dir{Path: dir, Name: dirName})
	f.metadata[dirName] = &series.Series{ID: id, Name: name}
	f.patches[dirName] = []string{patch}
}

// fakeForge records every mutation against a scripted remote state.
type fakeForge struct {
	prs    []forge.Artifact
	issues []forge.Artifact

	createdPRs      []string
	createdIssues   []string
	closedPRs       []int
	closedIssues    []int
	deletedBranches []string

	listErr     error
	createPRErr error
}

func (f *fakeForge) ListOpenPullRequests(ctx context.Context) ([]forge.Artifact, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.prs, nil
}

func (f *fakeForge) ListOpenIssues(ctx context.Context) ([]forge.Artifact, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.issues, nil
}

func (f *fakeForge) CreatePullRequest(ctx context.Context, title, body, base, head string) (*forge.Artifact, error) {
	if f.createPRErr != nil {
		return nil, f.createPRErr
	}
	f.createdPRs = append(f.createdPRs, title+"|"+body+"|"+base+"|"+head)
	return &forge.Artifact{Number: 1000 + len(f.createdPRs), Title: title, HeadBranch: head}, nil
}

func (f *fakeForge) CreateIssue(ctx context.Context, title, body string) (*forge.Artifact, error) {
	f.createdIssues = append(f.createdIssues, title+"|"+body)
	return &forge.Artifact{Number: 2000 + len(f.createdIssues), Title: title}, nil
}

func (f *fakeForge) ClosePullRequest(ctx context.Context, number int) error {
	f.closedPRs = append(f.closedPRs, number)
	return nil
}

func (f *fakeForge) CloseIssue(ctx context.Context, number int) error {
	f.closedIssues = append(f.closedIssues, number)
	return nil
}

func (f *fakeForge) DeleteBranch(ctx context.Context, name string) error {
	f.deletedBranches = append(f.deletedBranches, name)
	return nil
}

func (f *fakeForge) mutations() int {
	return len(f.createdPRs) + len(f.createdIssues) +
		len(f.closedPRs) + len(f.closedIssues) + len(f.deletedBranches)
}

// fakeEngine scripts apply outcomes per branch and records the call order.
type fakeEngine struct {
	calls     []string
	outcomes  map[string]apply.Outcome
	verifyErr error
	pushErr   map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		outcomes: make(map[string]apply.Outcome),
		pushErr:  make(map[string]error),
	}
}

func (f *fakeEngine) VerifyBase(ctx context.Context) error { return f.verifyErr }

func (f *fakeEngine) CheckoutBase(ctx context.Context) error {
	f.calls = append(f.calls, "checkout-base")
	return nil
}

func (f *fakeEngine) Apply(ctx context.Context, branch string, patches []string) (apply.Outcome, error) {
	f.calls = append(f.calls, "apply "+branch)
	return f.outcomes[branch], nil
}

func (f *fakeEngine) Push(ctx context.Context, branch string) error {
	f.calls = append(f.calls, "push "+branch)
	return f.pushErr[branch]
}

func (f *fakeEngine) DeleteRemoteBranch(ctx context.Context, branch string) error {
	f.calls = append(f.calls, "delete-remote "+branch)
	return nil
}

// fakeNotifier records apply-failure notifications.
type fakeNotifier struct {
	notified []int
}

func (f *fakeNotifier) ApplyFailure(ctx context.Context, s *series.Series, patchPath string, out apply.Outcome) error {
	f.notified = append(f.notified, s.ID)
	return nil
}

func newReconciler(src reconcile.SeriesSource, f forge.Forge, e reconcile.Engine, n reconcile.Notifier) *reconcile.Reconciler {
	return reconcile.New(src, f, e, n, reconcile.Config{BaseBranch: "master"})
}

// TestRunCreatesPullRequest tests the happy path end to end: branch, apply,
// push, pull request with the marker title and the extracted body, then a
// return to the base branch.
func TestRunCreatesPullRequest(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 303, "btusb fixes")

	remote := &fakeForge{}
	engine := newFakeEngine()
	notifier := &fakeNotifier{}

	err := newReconciler(src, remote, engine, notifier).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, remote.createdPRs, 1)
	parts := strings.Split(remote.createdPRs[0], "|")
	assert.Equal(t, "[PW_S_ID:303] btusb fixes", parts[0])
	assert.Equal(t, "Body line one.\nBody line two.", parts[1])
	assert.Equal(t, "master", parts[2])
	assert.Equal(t, "303", parts[3])

	assert.Equal(t, []string{"checkout-base", "apply 303", "push 303", "checkout-base"}, engine.calls)
	assert.Empty(t, remote.createdIssues)
	assert.Empty(t, notifier.notified)
}

// TestRunIdempotent tests that a run against an unchanged local and remote
// state performs zero mutating calls.
func TestRunIdempotent(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 1, "one")
	src.addSeries(t, 2, "two")

	remote := &fakeForge{
		prs: []forge.Artifact{
			{Number: 10, Title: "[PW_S_ID:1] one", HeadBranch: "1"},
			{Number: 11, Title: "[PW_S_ID:2] two", HeadBranch: "2"},
		},
	}
	engine := newFakeEngine()

	err := newReconciler(src, remote, engine, &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, remote.mutations())
	assert.Empty(t, engine.calls, "no branch, apply, or push for synced series")
}

// TestRunSkipsSeriesWithOpenIssue tests that a reported failure is not
// retried until a human closes the tracking issue.
func TestRunSkipsSeriesWithOpenIssue(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 7, "failing series")

	remote := &fakeForge{
		issues: []forge.Artifact{{Number: 20, Title: "[PW_S_ID:7] failing series"}},
	}
	engine := newFakeEngine()

	err := newReconciler(src, remote, engine, &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, engine.calls)
	assert.Zero(t, remote.mutations())
}

// TestRunApplyFailure tests step 5: no push, submitter notified, tracking
// issue created with the series marker, base branch restored.
func TestRunApplyFailure(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 9, "broken series")

	remote := &fakeForge{}
	engine := newFakeEngine()
	engine.outcomes["9"] = apply.Outcome{
		State:       apply.StateApplyFailed,
		FailedPatch: 0,
		Stderr:      "error: patch failed",
	}
	notifier := &fakeNotifier{}

	err := newReconciler(src, remote, engine, notifier).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"checkout-base", "apply 9", "checkout-base"}, engine.calls)
	assert.Empty(t, remote.createdPRs)
	require.Len(t, remote.createdIssues, 1)
	assert.True(t, strings.HasPrefix(remote.createdIssues[0], "[PW_S_ID:9] broken series|"))
	assert.Contains(t, remote.createdIssues[0], "error: patch failed")
	assert.Equal(t, []int{9}, notifier.notified)
}

// TestRunPushFailure tests step 6: a failed push produces no pull request
// and no issue, and the loop continues.
func TestRunPushFailure(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 4, "push fails")
	src.addSeries(t, 5, "push works")

	remote := &fakeForge{}
	engine := newFakeEngine()
	engine.pushErr["4"] = apply.ErrPush

	err := newReconciler(src, remote, engine, &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, remote.createdPRs, 1)
	assert.Contains(t, remote.createdPRs[0], "[PW_S_ID:5]")
	assert.Empty(t, remote.createdIssues)
	assert.Equal(t, []string{
		"checkout-base", "apply 4", "push 4", "checkout-base",
		"checkout-base", "apply 5", "push 5", "checkout-base",
	}, engine.calls)
}

// TestRunPRCreateFailureRollsBackBranch tests that a pushed branch is
// deleted when pull request creation fails, so no orphan survives.
func TestRunPRCreateFailureRollsBackBranch(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 6, "pr create fails")

	remote := &fakeForge{createPRErr: errors.New("422 validation failed")}
	engine := newFakeEngine()

	err := newReconciler(src, remote, engine, &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"checkout-base", "apply 6", "push 6", "delete-remote 6", "checkout-base"}, engine.calls)
	assert.Empty(t, remote.createdIssues)
}

// TestRunCleanupConvergence tests remote convergence: artifacts exist for
// series {1,2,3} but only {2,3} remain locally; exactly the artifacts for 1
// are closed, with branch deletion for the pull request.
func TestRunCleanupConvergence(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 2, "two")
	src.addSeries(t, 3, "three")

	remote := &fakeForge{
		prs: []forge.Artifact{
			{Number: 10, Title: "[PW_S_ID:1] one", HeadBranch: "1"},
			{Number: 11, Title: "[PW_S_ID:2] two", HeadBranch: "2"},
			{Number: 12, Title: "unrelated dependabot PR", HeadBranch: "dep"},
		},
		issues: []forge.Artifact{
			{Number: 20, Title: "[PW_S_ID:1] one"},
			{Number: 21, Title: "[PW_S_ID:3] three"},
			{Number: 22, Title: "unrelated bug report"},
		},
	}
	engine := newFakeEngine()

	err := newReconciler(src, remote, engine, &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{10}, remote.closedPRs)
	assert.Equal(t, []string{"1"}, remote.deletedBranches)
	assert.Equal(t, []int{20}, remote.closedIssues)
}

// TestRunMissingMetadataSkips tests that a broken series directory does not
// abort processing of subsequent series.
func TestRunMissingMetadataSkips(t *testing.T) {
	src := newFakeSource()
	src.dirs = append(src.dirs, series.Dir{Path: "/nonexistent", Name: "000-broken"})
	src.metaErr["000-broken"] = series.ErrMissingMetadata
	src.addSeries(t, 8, "healthy")

	remote := &fakeForge{}
	engine := newFakeEngine()

	err := newReconciler(src, remote, engine, &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, remote.createdPRs, 1)
	assert.Contains(t, remote.createdPRs[0], "[PW_S_ID:8]")
}

// TestRunEmptySeriesSkippedButProtected tests that an empty series is never
// synced, yet its existing artifacts survive cleanup as long as the series
// directory exists.
func TestRunEmptySeriesSkippedButProtected(t *testing.T) {
	src := newFakeSource()
	src.dirs = append(src.dirs, series.Dir{Path: "/series/55", Name: "55"})
	src.metadata["55"] = &series.Series{ID: 55, Name: "refetching"}
	src.patchErr["55"] = series.ErrEmptySeries

	remote := &fakeForge{
		prs: []forge.Artifact{{Number: 30, Title: "[PW_S_ID:55] refetching", HeadBranch: "55"}},
	}
	engine := newFakeEngine()

	err := newReconciler(src, remote, engine, &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, engine.calls)
	assert.Empty(t, remote.closedPRs)
}

// TestRunDryRun tests that dry-run performs no mutating call anywhere.
func TestRunDryRun(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 1, "new series")

	remote := &fakeForge{
		prs: []forge.Artifact{{Number: 10, Title: "[PW_S_ID:99] stale", HeadBranch: "99"}},
	}
	engine := newFakeEngine()

	rec := reconcile.New(src, remote, engine, &fakeNotifier{}, reconcile.Config{
		BaseBranch: "master",
		DryRun:     true,
	})
	require.NoError(t, rec.Run(context.Background()))

	assert.Empty(t, engine.calls)
	assert.Zero(t, remote.mutations())
}

// TestRunFatalErrors tests that infrastructure failures halt the run.
func TestRunFatalErrors(t *testing.T) {
	t.Run("remote listing unavailable", func(t *testing.T) {
		src := newFakeSource()
		src.addSeries(t, 1, "one")
		remote := &fakeForge{listErr: forge.ErrRemoteUnavailable}

		err := newReconciler(src, remote, newFakeEngine(), &fakeNotifier{}).Run(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, forge.ErrRemoteUnavailable))
	})

	t.Run("base branch missing", func(t *testing.T) {
		engine := newFakeEngine()
		engine.verifyErr = apply.ErrBaseBranchMissing

		err := newReconciler(newFakeSource(), &fakeForge{}, engine, &fakeNotifier{}).Run(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, apply.ErrBaseBranchMissing))
	})
}

// TestRunUsesCoverLetterBody tests step 7's body preference: the cover
// letter supplies the pull request body when present.
func TestRunUsesCoverLetterBody(t *testing.T) {
	src := newFakeSource()
	src.addSeries(t, 12, "with cover")

	cover := filepath.Join(t.TempDir(), "cover_letter")
	content := "From 0 Mon Sep 17 00:00:00 2001\n" +
		"Subject: [PATCH 0/2] with cover\n" +
		"\n" +
		"This is the cover letter story.\n" +
		"---\n"
	require.NoError(t, os.WriteFile(cover, []byte(content), 0o644))
	src.covers["12"] = cover

	remote := &fakeForge{}
	err := newReconciler(src, remote, newFakeEngine(), &fakeNotifier{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, remote.createdPRs, 1)
	assert.Contains(t, remote.createdPRs[0], "|This is the cover letter story.|")
}
