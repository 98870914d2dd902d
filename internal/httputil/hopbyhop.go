// Package httputil holds the small HTTP-shaping helpers shared by the
// ingress (C5) and the tunnel agent (C7), so both sides of the tunnel
// strip the same header set the same way (spec.md §4.5 point 4, §4.7
// point 2).
package httputil

import "strings"

// hopByHop lists the headers that describe one transport hop and must
// never cross a proxy boundary, per spec.md §4.5.
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// IsHopByHop reports whether name is a hop-by-hop header, including the
// Proxy-* family called out in spec.md §4.5.
func IsHopByHop(name string) bool {
	lower := strings.ToLower(name)
	if hopByHop[lower] {
		return true
	}
	return strings.HasPrefix(lower, "proxy-")
}
