package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

const (
	// defaultPageSize is the listing page size. 100 is the API maximum and
	// keeps the pagination walk short on busy repositories.
	defaultPageSize = 100

	// defaultHTTPTimeout bounds every API call so a hung listing cannot
	// stall the run with a half-built index.
	defaultHTTPTimeout = 30 * time.Second
)

// GitHub implements Forge against the GitHub REST API.
type GitHub struct {
	client   *github.Client
	owner    string
	repo     string
	pageSize int
	log      *slog.Logger
}

// GitHubOption configures a GitHub forge.
type GitHubOption func(*GitHub)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) GitHubOption {
	return func(g *GitHub) {
		g.log = log
	}
}

// WithBaseURL points the client at a different API endpoint. Used by tests
// and GitHub Enterprise deployments. The URL must end with a slash.
func WithBaseURL(raw string) GitHubOption {
	return func(g *GitHub) {
		u, err := url.Parse(raw)
		if err == nil {
			g.client.BaseURL = u
		}
	}
}

// WithPageSize overrides the listing page size.
func WithPageSize(n int) GitHubOption {
	return func(g *GitHub) {
		g.pageSize = n
	}
}

// NewGitHub creates a GitHub forge for the OWNER/REPO slug, authenticating
// with the given token. An empty token yields an unauthenticated client,
// which is only useful against test servers.
func NewGitHub(slug, token string, opts ...GitHubOption) (*GitHub, error) {
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("base repo must be OWNER/REPO, got %q", slug)
	}

	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		))
	} else {
		hc = &http.Client{}
	}
	hc.Timeout = defaultHTTPTimeout

	g := &GitHub{
		client:   github.NewClient(hc),
		owner:    owner,
		repo:     repo,
		pageSize: defaultPageSize,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ListOpenPullRequests implements Forge.
func (g *GitHub) ListOpenPullRequests(ctx context.Context) ([]Artifact, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: g.pageSize},
	}

	var artifacts []Artifact
	for {
		prs, resp, err := g.client.PullRequests.List(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests of %s/%s: %v: %w", g.owner, g.repo, err, ErrRemoteUnavailable)
		}
		for _, pr := range prs {
			artifacts = append(artifacts, Artifact{
				Number:     pr.GetNumber(),
				Title:      pr.GetTitle(),
				HeadBranch: pr.GetHead().GetRef(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	g.log.Debug("listed open pull requests", "count", len(artifacts))
	return artifacts, nil
}

// ListOpenIssues implements Forge. GitHub's issues API reports pull
// requests as issues too; those are filtered out so an artifact is never
// counted twice.
func (g *GitHub) ListOpenIssues(ctx context.Context) ([]Artifact, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: g.pageSize},
	}

	var artifacts []Artifact
	for {
		issues, resp, err := g.client.Issues.ListByRepo(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing issues of %s/%s: %v: %w", g.owner, g.repo, err, ErrRemoteUnavailable)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			artifacts = append(artifacts, Artifact{
				Number: issue.GetNumber(),
				Title:  issue.GetTitle(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	g.log.Debug("listed open issues", "count", len(artifacts))
	return artifacts, nil
}

// CreatePullRequest implements Forge. Maintainers of the base repository
// are allowed to modify the head branch.
func (g *GitHub) CreatePullRequest(ctx context.Context, title, body, base, head string) (*Artifact, error) {
	pr, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title:               github.String(title),
		Body:                github.String(body),
		Base:                github.String(base),
		Head:                github.String(head),
		MaintainerCanModify: github.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request %q: %w", title, err)
	}

	g.log.Info("created pull request", "number", pr.GetNumber(), "title", title)
	return &Artifact{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		HeadBranch: pr.GetHead().GetRef(),
	}, nil
}

// CreateIssue implements Forge.
func (g *GitHub) CreateIssue(ctx context.Context, title, body string) (*Artifact, error) {
	issue, _, err := g.client.Issues.Create(ctx, g.owner, g.repo, &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("creating issue %q: %w", title, err)
	}

	g.log.Info("created issue", "number", issue.GetNumber(), "title", title)
	return &Artifact{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
	}, nil
}

// ClosePullRequest implements Forge.
func (g *GitHub) ClosePullRequest(ctx context.Context, number int) error {
	_, _, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, number, &github.PullRequest{
		State: github.String("closed"),
	})
	if err != nil {
		return fmt.Errorf("closing pull request #%d: %w", number, err)
	}
	g.log.Info("closed pull request", "number", number)
	return nil
}

// CloseIssue implements Forge.
func (g *GitHub) CloseIssue(ctx context.Context, number int) error {
	_, _, err := g.client.Issues.Edit(ctx, g.owner, g.repo, number, &github.IssueRequest{
		State: github.String("closed"),
	})
	if err != nil {
		return fmt.Errorf("closing issue #%d: %w", number, err)
	}
	g.log.Info("closed issue", "number", number)
	return nil
}

// DeleteBranch implements Forge.
func (g *GitHub) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "heads/"+name)
	if err != nil {
		return fmt.Errorf("deleting branch %q: %w", name, err)
	}
	g.log.Info("deleted remote branch", "branch", name)
	return nil
}
