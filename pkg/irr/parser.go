package irr

import (
	"regexp"
	"strings"
)

// Route object attribute lines as they appear in WHOIS responses. Anchored
// to line start so free-text remarks mentioning "route:" mid-line are not
// picked up.
var (
	routeRe  = regexp.MustCompile(`(?im)^route:\s+(\S+)`)
	route6Re = regexp.MustCompile(`(?im)^route6:\s+(\S+)`)
)

// ParseWhoisResponse extracts route/route6 prefixes from a raw WHOIS
// response. It is a pure function over the response text so it can be
// tested (and fuzzed) without a socket.
func ParseWhoisResponse(response string) *PrefixSet {
	set := NewPrefixSet()

	for _, m := range routeRe.FindAllStringSubmatch(response, -1) {
		if p := strings.TrimSpace(m[1]); strings.Contains(p, "/") {
			set.AddV4(p)
		}
	}
	for _, m := range route6Re.FindAllStringSubmatch(response, -1) {
		if p := strings.TrimSpace(m[1]); strings.Contains(p, "/") {
			set.AddV6(p)
		}
	}

	return set
}
