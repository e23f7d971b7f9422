// Package allowlist implements the navigation origin allowlist: a pure
// predicate over URLs, seeded at process start and union-extended through
// Extend. It never shrinks within a process lifetime. The bridge's
// handshake does not call Extend: an auth frame carries no origins.
package allowlist

import (
	"net/url"
	"strings"
	"sync"
)

// hardcodedLoopback hosts are always allowed, regardless of configuration,
// but are never advertised in Snapshot: they are a standing guarantee, not
// part of the peer-extensible, reportable origin set.
var hardcodedLoopback = map[string]struct{}{
	"localhost": {}, "127.0.0.1": {}, "[::1]": {},
}

// Allowlist is a thread-safe, append-only set of origin specs.
type Allowlist struct {
	mu      sync.RWMutex
	origins map[string]struct{}
}

// New constructs an Allowlist seeded from the given configured origins.
// Duplicates collapse. The hardcoded loopback hosts are always allowed
// by IsAllowed but are not part of this seeded set.
func New(configured []string) *Allowlist {
	a := &Allowlist{origins: make(map[string]struct{})}
	for _, o := range configured {
		o = strings.TrimSpace(o)
		if o != "" {
			a.origins[o] = struct{}{}
		}
	}
	return a
}

// Extend unions new origins into the allowlist; it never removes existing
// entries.
func (a *Allowlist) Extend(origins []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			a.origins[o] = struct{}{}
		}
	}
}

// Snapshot returns the current set of origin specs as a slice, for
// inclusion in an auth_result frame.
func (a *Allowlist) Snapshot() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.origins))
	for o := range a.origins {
		out = append(out, o)
	}
	return out
}

// IsAllowed reports whether the given URL may be navigated to. A URL that
// fails to parse is never allowed. file: URLs and loopback hosts are always
// allowed. Every other URL is checked against each configured origin: the URL's host
// must equal the entry's host, or be a subdomain of it.
func (a *Allowlist) IsAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme == "file" {
		return true
	}

	host := hostOnly(u.Host)
	if _, ok := hardcodedLoopback[host]; ok {
		return true
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for entry := range a.origins {
		entryHost := hostOnly(entryURLHost(entry))
		if entryHost == "" {
			continue
		}
		if host == entryHost || strings.HasSuffix(host, "."+entryHost) {
			return true
		}
	}
	return false
}

// entryURLHost parses a configured origin entry, defaulting to https://
// when it carries no scheme, and returns its host.
func entryURLHost(entry string) string {
	candidate := entry
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	if u.Host != "" {
		return u.Host
	}
	return entry
}

// hostOnly strips a trailing :port from a host[:port] string.
func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i != -1 && !strings.Contains(hostport, "]") {
		return hostport[:i]
	}
	if strings.HasPrefix(hostport, "[") {
		if i := strings.Index(hostport, "]"); i != -1 {
			return hostport[:i+1]
		}
	}
	return hostport
}
