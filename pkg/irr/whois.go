package irr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

const defaultWhoisTimeout = 30 * time.Second

// WhoisClientConfig configures a WHOIS protocol client for one registry.
type WhoisClientConfig struct {
	Logger  *slog.Logger
	Source  string // logical source name, e.g. "RADB"
	Server  string // host or host:port; port 43 is assumed when absent
	Timeout time.Duration
}

func (cfg *WhoisClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == "" {
		return errors.New("source name is required")
	}
	if cfg.Server == "" {
		return errors.New("whois server is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWhoisTimeout
	}
	return nil
}

// WhoisClient speaks the IRR WHOIS protocol: one TCP connection per query,
// a single "-i origin <target>" request line, and an unframed text response
// terminated by the peer closing the stream.
type WhoisClient struct {
	log     *slog.Logger
	source  string
	addr    string
	timeout time.Duration
}

func NewWhoisClient(cfg WhoisClientConfig) (*WhoisClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr := cfg.Server
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "43")
	}
	return &WhoisClient{
		log:     cfg.Logger,
		source:  cfg.Source,
		addr:    addr,
		timeout: cfg.Timeout,
	}, nil
}

func (c *WhoisClient) Query(ctx context.Context, target string) (*PrefixSet, error) {
	c.log.Debug("querying whois server", "source", c.source, "addr", c.addr, "target", target)

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &NetworkError{Source: c.source, Endpoint: c.addr, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &NetworkError{Source: c.source, Endpoint: c.addr, Err: err}
	}

	if _, err := fmt.Fprintf(conn, "-i origin %s\r\n", target); err != nil {
		return nil, &NetworkError{Source: c.source, Endpoint: c.addr, Err: err}
	}

	// No message framing in the WHOIS protocol; end-of-stream is
	// end-of-data.
	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, &NetworkError{Source: c.source, Endpoint: c.addr, Err: err}
	}
	if len(raw) == 0 {
		return nil, &ProtocolError{Source: c.source, Endpoint: c.addr, Msg: "empty response before connection close"}
	}

	set := ParseWhoisResponse(string(raw))
	c.log.Debug("parsed whois response",
		"source", c.source,
		"target", target,
		"ipv4_count", set.SizeV4(),
		"ipv6_count", set.SizeV6(),
	)
	return set, nil
}
