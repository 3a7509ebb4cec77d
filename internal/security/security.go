// Package security implements the input-safety predicates shared by
// the OAuth provider and the chat dispatcher: redirect_uri
// allow-listing, scope charset validation, and username sanitization
// for chat-sourced input.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

var dangerousRedirectSubstrings = []string{
	"javascript:",
	"data:",
	"vbscript:",
	"<script",
	"onclick",
	"onerror",
}

// SafeRedirectURI reports whether uri is a well-formed http(s) or
// custom-scheme URI containing none of the dangerous substrings that
// indicate a script-injection attempt.
func SafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		if !strings.Contains(uri, "://") {
			return false
		}
	}
	lower := strings.ToLower(uri)
	for _, pattern := range dangerousRedirectSubstrings {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	return true
}

// RedirectURIAllowed reports whether uri matches one of allowed either
// exactly or by scheme+host+path equality; query and fragment are
// ignored.
func RedirectURIAllowed(uri string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if uri == a {
			return true
		}
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		parsedAllowed, err := url.Parse(a)
		if err != nil {
			continue
		}
		if parsed.Scheme == parsedAllowed.Scheme &&
			parsed.Host == parsedAllowed.Host &&
			parsed.Path == parsedAllowed.Path {
			return true
		}
	}
	return false
}

var scopePattern = regexp.MustCompile(`^[a-zA-Z0-9_\s]+$`)

// ValidScopeCharset reports whether scope is non-empty and contains
// only letters, digits, underscore and whitespace.
func ValidScopeCharset(scope string) bool {
	if scope == "" {
		return false
	}
	return scopePattern.MatchString(scope)
}

// ScopeAllowed reports whether every space-separated scope token in
// requested is present in allowed. It returns the first disallowed
// scope token, if any.
func ScopeAllowed(requested string, allowed []string) (ok bool, missing string) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	for _, s := range strings.Fields(requested) {
		if !allowedSet[s] {
			return false, s
		}
	}
	return true, ""
}

var usernameStripPattern = regexp.MustCompile(`[<>"'\\/;]`)

// SanitizeUsername trims, truncates, and strips HTML/shell-special
// characters from chat-sourced username input.
func SanitizeUsername(username string, maxLength int) string {
	username = strings.TrimSpace(username)
	if maxLength > 0 && len(username) > maxLength {
		username = username[:maxLength]
	}
	return usernameStripPattern.ReplaceAllString(username, "")
}
