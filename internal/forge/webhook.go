package forge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
)

// ErrIgnoredEvent marks webhook deliveries that need no action, such as
// pings or branch deletions.
var ErrIgnoredEvent = errors.New("event ignored")

// ErrInvalidSignature marks deliveries whose signature does not match.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Push is the part of a push event used to pick applications.
type Push struct {
	Repository string
	CloneURLs  []string
	Branch     string
	After      string
	Pusher     string
}

// ParsePush validates the X-Hub-Signature-256 header against secret and
// decodes a push event. Non-push events yield ErrIgnoredEvent.
func ParsePush(r *http.Request, secret string) (*Push, error) {
	payload, err := github.ValidatePayload(r, []byte(secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventType := github.WebHookType(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q event: %w", eventType, err)
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, eventType)
	}
	if push.GetDeleted() {
		return nil, fmt.Errorf("%w: branch deleted", ErrIgnoredEvent)
	}

	branch, isBranch := strings.CutPrefix(push.GetRef(), "refs/heads/")
	if !isBranch {
		return nil, fmt.Errorf("%w: %s is not a branch", ErrIgnoredEvent, push.GetRef())
	}

	repo := push.GetRepo()
	p := &Push{
		Repository: repo.GetFullName(),
		Branch:     branch,
		After:      push.GetAfter(),
		Pusher:     push.GetPusher().GetName(),
	}
	for _, u := range []string{repo.GetCloneURL(), repo.GetSSHURL(), repo.GetGitURL(), repo.GetHTMLURL()} {
		if u != "" {
			p.CloneURLs = append(p.CloneURLs, u)
		}
	}
	return p, nil
}

// Matches reports whether repository and branch belong to this push.
func (p *Push) Matches(repository, branch string) bool {
	if branch != p.Branch {
		return false
	}
	for _, u := range p.CloneURLs {
		if SameRepository(u, repository) {
			return true
		}
	}
	return false
}
