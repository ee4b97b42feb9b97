// router.go — Canonical service keys and host/path → tunnel resolution.
package gateway

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// CanonicalService normalizes a directory entry or request target into the
// route key: lower(host) + normalized path with trailing slashes trimmed.
// A bare host canonicalizes to just the host, and so does a root path "/":
// the root path and the bare host share one key. Any scheme prefix and
// host port are dropped.
func CanonicalService(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	host, path := s, ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		host, path = s[:i], s[i:]
	}
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return host
	}
	return host + path
}

// routeKeys lists the candidate keys for a request in resolution order:
// exact match first, then successively shorter path prefixes, finally the
// bare host.
func routeKeys(host, path string) []string {
	base := CanonicalService(host)
	p := strings.TrimRight(path, "/")
	var keys []string
	for p != "" {
		keys = append(keys, base+p)
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			break
		}
		p = p[:i]
	}
	keys = append(keys, base)
	return keys
}

// selectConn picks among candidate tunnels: least pending requests first,
// ties broken by oldest admission (stable under churn), and claims a
// pending slot atomically with the pick. Returns nil when every candidate
// is at capacity.
func selectConn(candidates []*Conn, requestID string, maxPending int) *Conn {
	healthy := lo.Filter(candidates, func(c *Conn, _ int) bool { return c.healthy() })
	if len(healthy) == 0 {
		return nil
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		pi, pj := healthy[i].PendingCount(), healthy[j].PendingCount()
		if pi != pj {
			return pi < pj
		}
		return healthy[i].Admitted.Before(healthy[j].Admitted)
	})
	// tryAcquire re-checks capacity under the tunnel's own lock, so two
	// racing selections cannot both land the cap's last slot.
	for _, c := range healthy {
		if c.tryAcquire(requestID, maxPending) {
			return c
		}
	}
	return nil
}
