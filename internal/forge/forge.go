// Package forge indexes and mutates the remote hosting service's pull
// requests and issues.
//
// The reconciliation engine only ever sees the Forge interface and the
// Artifact value type; the GitHub implementation lives in github.go and is
// substituted with fakes in tests.
package forge

import (
	"context"
	"errors"
)

// ErrRemoteUnavailable is returned when the remote artifact listing cannot
// be established. Listing failures are fatal to a run: reconciling against
// a partial index risks creating duplicate pull requests.
var ErrRemoteUnavailable = errors.New("remote artifact listing unavailable")

// Artifact is an open pull request or issue on the hosting service.
type Artifact struct {
	// Number is the hosting-service-assigned artifact number.
	Number int
	// Title is the artifact title, which for artifacts owned by this tool
	// embeds the [PW_S_ID:<id>] marker.
	Title string
	// HeadBranch is the PR's head branch name. Empty for issues.
	HeadBranch string
}

// Forge is the hosting-service seam used by the reconciler.
type Forge interface {
	// ListOpenPullRequests returns every open pull request, following
	// pagination until exhausted.
	ListOpenPullRequests(ctx context.Context) ([]Artifact, error)

	// ListOpenIssues returns every open issue, following pagination until
	// exhausted. Pull requests are excluded even when the underlying API
	// reports them through the issues listing.
	ListOpenIssues(ctx context.Context) ([]Artifact, error)

	// CreatePullRequest opens a pull request from head into base.
	CreatePullRequest(ctx context.Context, title, body, base, head string) (*Artifact, error)

	// CreateIssue opens a tracking issue.
	CreateIssue(ctx context.Context, title, body string) (*Artifact, error)

	// ClosePullRequest closes an open pull request.
	ClosePullRequest(ctx context.Context, number int) error

	// CloseIssue closes an open issue.
	CloseIssue(ctx context.Context, number int) error

	// DeleteBranch deletes a branch ref on the remote repository.
	DeleteBranch(ctx context.Context, name string) error
}
