package forge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Commit status states.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
)

// Reporter posts commit statuses for deployments of GitHub repositories.
// A Reporter without a token does nothing.
type Reporter struct {
	client    *github.Client
	context   string
	publicURL string
	logger    *slog.Logger
}

// NewReporter creates a Reporter authenticated with token.
func NewReporter(token, statusContext, publicURL string, logger *slog.Logger) *Reporter {
	r := &Reporter{
		context:   statusContext,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		r.client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return r
}

// Enabled reports whether statuses will be posted.
func (r *Reporter) Enabled() bool {
	return r != nil && r.client != nil
}

// Report posts state for sha. Failures are logged and never returned:
// a status is informational and must not fail a deployment.
func (r *Reporter) Report(ctx context.Context, repository, sha, state, description, queueID string) {
	if !r.Enabled() || sha == "" {
		return
	}
	repo, ok := ParseRepo(repository)
	if !ok {
		return
	}

	if len(description) > 140 {
		description = description[:137] + "..."
	}
	status := &github.RepoStatus{
		State:       github.String(state),
		Description: github.String(description),
		Context:     github.String(r.context),
	}
	if r.publicURL != "" && queueID != "" {
		status.TargetURL = github.String(r.publicURL + "/queue/" + queueID)
	}

	if _, _, err := r.client.Repositories.CreateStatus(ctx, repo.Owner, repo.Name, sha, status); err != nil {
		r.logger.Warn("Failed to post commit status",
			"repo", repo.FullName(), "sha", sha, "state", state, "error", err)
	}
}
