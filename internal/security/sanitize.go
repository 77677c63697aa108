package security

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	appNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	branchPattern  = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	envKeyPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	labelPattern   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	scpURLPattern  = regexp.MustCompile(`^[a-zA-Z0-9_.-]+@[a-zA-Z0-9.-]+:[a-zA-Z0-9_./~-]+$`)
)

// ValidateAppName ensures an application name is safe for use in paths,
// unit names and proxy comments.
func ValidateAppName(name string) error {
	if name == "" {
		return fmt.Errorf("application name cannot be empty")
	}
	if !appNamePattern.MatchString(name) {
		return fmt.Errorf("application name %q is invalid (lowercase a-z, 0-9, _ and - only, starting with a letter or digit)", name)
	}
	return nil
}

// ValidateGitURL ensures a repository URL is safe to hand to git clone.
// HTTPS, SSH and scp-style (git@host:owner/repo.git) URLs are accepted.
func ValidateGitURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if strings.HasPrefix(rawURL, "-") {
		return fmt.Errorf("repository URL cannot start with '-'")
	}
	if strings.ContainsAny(rawURL, " \t\n;|&`$") {
		return fmt.Errorf("repository URL contains invalid characters")
	}

	if scpURLPattern.MatchString(rawURL) {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "https", "http", "ssh", "git":
	default:
		return fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("repository URL has no host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("repository URL has no path")
	}

	return nil
}

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateDomain checks a hostname bound to an application. A single
// leading "*." wildcard label is allowed.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if len(domain) > 253 {
		return fmt.Errorf("domain is too long")
	}

	host := strings.TrimPrefix(domain, "*.")
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain %q must contain at least one dot", domain)
	}
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return fmt.Errorf("domain %q has invalid label %q", domain, label)
		}
	}
	return nil
}

// IsWildcardDomain reports whether a domain is a wildcard or catch-all.
func IsWildcardDomain(domain string) bool {
	return strings.HasPrefix(domain, "*.") || domain == "*" || strings.HasPrefix(domain, ":")
}

// ValidateEnvKey checks an environment variable name.
func ValidateEnvKey(key string) error {
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid environment variable name %q", key)
	}
	return nil
}

// EnsureWithin prevents path traversal: it resolves target and verifies it
// lies strictly inside base. Returns the cleaned absolute target.
func EnsureWithin(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absTarget)
	if err != nil || relPath == "." || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: target '%s' is outside base '%s'", absTarget, absBase)
	}

	return absTarget, nil
}

// SanitizePath ensures a path is absolute and doesn't contain traversal attempts.
func SanitizePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	// Check for .. before cleaning (filepath.Clean removes them)
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path contains traversal elements: %s", path)
	}

	return filepath.Clean(path), nil
}
