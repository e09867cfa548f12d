package irr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const defaultBGPQ4Timeout = 120 * time.Second

// BGPQ4ClientConfig configures an alternative backend that shells out to
// the bgpq4 CLI tool. bgpq4 expands AS-SETs and selects databases itself,
// so a single invocation covers what the multi-source fetch does over the
// wire protocols.
type BGPQ4ClientConfig struct {
	Logger *slog.Logger

	// Command invokes bgpq4, e.g. ["bgpq4"] or ["wsl", "bgpq4"].
	Command []string

	// Source for the -S flag, e.g. "RADB".
	Source string

	// Aggregate enables -A prefix aggregation.
	Aggregate bool

	Timeout time.Duration
}

func (cfg *BGPQ4ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"bgpq4"}
	}
	if cfg.Source == "" {
		cfg.Source = "RADB"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBGPQ4Timeout
	}
	return nil
}

type BGPQ4Client struct {
	log *slog.Logger
	cfg BGPQ4ClientConfig
}

func NewBGPQ4Client(cfg BGPQ4ClientConfig) (*BGPQ4Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BGPQ4Client{log: cfg.Logger, cfg: cfg}, nil
}

func (c *BGPQ4Client) Query(ctx context.Context, target string) (*PrefixSet, error) {
	set := NewPrefixSet()

	v4, err := c.run(ctx, target, false)
	if err != nil {
		return nil, err
	}
	for _, p := range v4 {
		set.AddV4(p)
	}

	v6, err := c.run(ctx, target, true)
	if err != nil {
		return nil, err
	}
	for _, p := range v6 {
		set.AddV6(p)
	}

	return set, nil
}

// bgpq4 -j prints {"NN": [{"prefix": "10.0.0.0/24", ...}, ...]}.
type bgpq4Output struct {
	NN []struct {
		Prefix string `json:"prefix"`
	} `json:"NN"`
}

func (c *BGPQ4Client) run(ctx context.Context, target string, ipv6 bool) ([]string, error) {
	args := append([]string{}, c.cfg.Command[1:]...)
	if ipv6 {
		args = append(args, "-6")
	} else {
		args = append(args, "-4")
	}
	args = append(args, "-j")
	if c.cfg.Aggregate {
		args = append(args, "-A")
	}
	args = append(args, "-S", c.cfg.Source, "-l", "NN", target)

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.cfg.Command[0], args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ProtocolError{
				Source:   c.cfg.Source,
				Endpoint: c.cfg.Command[0],
				Msg:      fmt.Sprintf("bgpq4 exited with %d: %s", exitErr.ExitCode(), truncate(string(exitErr.Stderr), 200)),
			}
		}
		return nil, &NetworkError{Source: c.cfg.Source, Endpoint: c.cfg.Command[0], Err: err}
	}

	var parsed bgpq4Output
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, &ResponseError{Source: c.cfg.Source, Msg: "invalid bgpq4 JSON output", Err: err}
	}

	prefixes := make([]string, 0, len(parsed.NN))
	for _, entry := range parsed.NN {
		if entry.Prefix != "" {
			prefixes = append(prefixes, entry.Prefix)
		}
	}

	c.log.Debug("bgpq4 query finished", "target", target, "ipv6", ipv6, "count", len(prefixes))
	return prefixes, nil
}

var _ Client = (*BGPQ4Client)(nil)
