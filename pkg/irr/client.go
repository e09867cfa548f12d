// Package irr queries Internet Routing Registries for the route objects
// originated by an ASN or AS-SET. Two wire protocols are supported (the
// line-oriented WHOIS protocol on port 43 and the RIPE-style REST JSON
// API), plus pluggable alternative backends (a deployed lookup API proxy
// and the bgpq4 CLI tool) behind the same Client interface.
package irr

import "context"

// Client is the single capability every registry backend implements:
// resolve a target identifier to the prefix set it originates. Clients
// never retry internally; retry policy belongs to the caller.
type Client interface {
	Query(ctx context.Context, target string) (*PrefixSet, error)
}
