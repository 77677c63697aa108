// Package forge integrates with GitHub: push webhooks trigger redeploys
// and pipelines report commit statuses.
package forge

import (
	"net/url"
	"strings"
)

// Repo identifies a GitHub repository.
type Repo struct {
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepo extracts owner and name from a github.com clone URL in https,
// ssh or scp-like form. It reports false for other hosts.
func ParseRepo(raw string) (Repo, bool) {
	raw = strings.TrimSpace(raw)
	var host, path string

	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		host, path = u.Hostname(), u.Path
	} else if at := strings.Index(raw, "@"); at >= 0 {
		// git@github.com:owner/repo.git
		rest := raw[at+1:]
		h, p, ok := strings.Cut(rest, ":")
		if !ok {
			return Repo{}, false
		}
		host, path = h, p
	} else {
		return Repo{}, false
	}

	if !strings.EqualFold(host, "github.com") && !strings.EqualFold(host, "www.github.com") {
		return Repo{}, false
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, false
	}
	return Repo{Owner: parts[0], Name: parts[1]}, true
}

// SameRepository reports whether two clone URLs point at the same GitHub
// repository, ignoring scheme, .git suffix and case.
func SameRepository(a, b string) bool {
	ra, okA := ParseRepo(a)
	rb, okB := ParseRepo(b)
	if !okA || !okB {
		return false
	}
	return strings.EqualFold(ra.FullName(), rb.FullName())
}
