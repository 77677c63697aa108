package forge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned when webhook registration is attempted without
// a GitHub token.
var ErrNoToken = errors.New("github token is required")

// Hooks registers push webhooks on GitHub repositories.
type Hooks struct {
	client *github.Client
}

// NewHooks creates a Hooks client authenticated with token.
func NewHooks(token string) (*Hooks, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Hooks{client: github.NewClient(oauth2.NewClient(context.Background(), ts))}, nil
}

// EnsurePushHook makes sure repository sends signed push events to
// hookURL. An existing hook with the same URL is updated with secret and
// re-activated. It reports whether a new hook was created.
func (h *Hooks) EnsurePushHook(ctx context.Context, repository, hookURL, secret string) (bool, error) {
	repo, ok := ParseRepo(repository)
	if !ok {
		if r, ok2 := parseOwnerRepo(repository); ok2 {
			repo = r
		} else {
			return false, fmt.Errorf("not a GitHub repository: %s", repository)
		}
	}

	hook := &github.Hook{
		Events: []string{"push"},
		Active: github.Bool(true),
		Config: map[string]interface{}{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		hooks, resp, err := h.client.Repositories.ListHooks(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return false, fmt.Errorf("failed to list webhooks of %s: %w", repo.FullName(), err)
		}
		for _, existing := range hooks {
			if u, _ := existing.Config["url"].(string); u != hookURL {
				continue
			}
			if _, _, err := h.client.Repositories.EditHook(ctx, repo.Owner, repo.Name, existing.GetID(), hook); err != nil {
				return false, fmt.Errorf("failed to update webhook of %s: %w", repo.FullName(), err)
			}
			return false, nil
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if _, _, err := h.client.Repositories.CreateHook(ctx, repo.Owner, repo.Name, hook); err != nil {
		return false, fmt.Errorf("failed to create webhook on %s: %w", repo.FullName(), err)
	}
	return true, nil
}

// parseOwnerRepo accepts the short owner/name form.
func parseOwnerRepo(raw string) (Repo, bool) {
	return ParseRepo("https://github.com/" + raw)
}
