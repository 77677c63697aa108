package proxy

import (
	"net"
	"strings"

	"appdeck/internal/security"
	"appdeck/internal/store"
	"appdeck/pkg/templates"
)

// Companion returns the www/bare counterpart of domain, or "" when the
// domain gets no redirect (wildcards, IPs and single-label hosts).
func Companion(domain string) string {
	if security.IsWildcardDomain(domain) || net.ParseIP(domain) != nil {
		return ""
	}
	if bare, ok := strings.CutPrefix(domain, "www."); ok {
		if !strings.Contains(bare, ".") {
			return ""
		}
		return bare
	}
	if !strings.Contains(domain, ".") {
		return ""
	}
	return "www." + domain
}

// BuildSites turns routes into Caddyfile sites. A companion redirect is
// skipped when the companion host is itself routed.
func BuildSites(routes []store.Route) []templates.CaddySite {
	bound := make(map[string]bool, len(routes))
	for _, r := range routes {
		bound[r.Domain] = true
	}

	sites := make([]templates.CaddySite, 0, len(routes))
	for _, r := range routes {
		site := templates.CaddySite{App: r.AppName, Domain: r.Domain, Port: r.Port}
		if c := Companion(r.Domain); c != "" && !bound[c] {
			site.RedirectFrom = c
		}
		sites = append(sites, site)
	}
	return sites
}
