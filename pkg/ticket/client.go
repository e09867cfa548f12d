// Package ticket submits prefix-change tickets to the downstream
// ticketing system and optionally announces them on Slack.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ticket is the change payload handed to the ticketing system. The core
// never inspects ticket content beyond obtaining an identifier back.
type Ticket struct {
	Target    string    `json:"target"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Changes   Changes   `json:"changes"`
	Summary   string    `json:"summary"`
	Sources   []string  `json:"irr_sources"`
	DiffHash  string    `json:"diff_hash"`
}

type Changes struct {
	AddedIPv4   []string `json:"added_ipv4"`
	RemovedIPv4 []string `json:"removed_ipv4"`
	AddedIPv6   []string `json:"added_ipv6"`
	RemovedIPv6 []string `json:"removed_ipv6"`
}

// Response is the outcome of a submission. Duplicate means the ticketing
// system already had a ticket for this idempotency key and returned the
// existing identifier.
type Response struct {
	TicketID  string
	Duplicate bool
}

// SubmissionError indicates the ticketing collaborator failed. A failed
// submission must stay retryable: callers record idempotency only after
// a confirmed success.
type SubmissionError struct {
	StatusCode int
	Msg        string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ticket submission failed (status %d): %s", e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("ticket submission failed: %s", e.Msg)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submitter is the ticketing collaborator contract.
type Submitter interface {
	Submit(ctx context.Context, t Ticket) (Response, error)
}

// ClientConfig configures the HTTP ticketing client.
type ClientConfig struct {
	Logger   *slog.Logger
	BaseURL  string
	APIToken string
	Timeout  time.Duration

	// MaxRetries bounds submission attempts on transport errors and 5xx
	// responses. Client errors (4xx) are not retried.
	MaxRetries int

	HTTPClient *http.Client
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	return nil
}

// Client talks to the ticketing REST API. The diff hash rides along as an
// X-Idempotency-Key header so the server side can deduplicate too; a 409
// Conflict answer is treated as a duplicate success, not a failure.
type Client struct {
	log        *slog.Logger
	baseURL    string
	token      string
	maxRetries int
	backoff    time.Duration // initial retry delay, doubled per attempt
	http       *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		log:        cfg.Logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.APIToken,
		maxRetries: cfg.MaxRetries,
		backoff:    2 * time.Second,
		http:       httpClient,
	}, nil
}

func (c *Client) Submit(ctx context.Context, t Ticket) (Response, error) {
	if t.Type == "" {
		t.Type = "irr_prefix_change"
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, retryable, err := c.submitOnce(ctx, t)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == c.maxRetries {
			break
		}
		c.log.Warn("ticket submission failed, retrying",
			"target", t.Target, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return Response{}, &SubmissionError{Msg: "context cancelled during retry", Err: ctx.Err()}
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	return Response{}, lastErr
}

type submitResponse struct {
	TicketID         string `json:"ticket_id"`
	ExistingTicketID string `json:"existing_ticket_id"`
}

func (c *Client) submitOnce(ctx context.Context, t Ticket) (Response, bool, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return Response{}, false, &SubmissionError{Msg: "encoding ticket", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tickets", bytes.NewReader(body))
	if err != nil {
		return Response{}, false, &SubmissionError{Msg: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "irrwatch/1.0")
	req.Header.Set("X-Idempotency-Key", t.DiffHash)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, true, &SubmissionError{Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, true, &SubmissionError{Msg: "reading response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusCreated:
		var parsed submitResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.TicketID == "" {
			return Response{}, false, &SubmissionError{
				StatusCode: resp.StatusCode,
				Msg:        "created but response had no ticket_id",
				Err:        err,
			}
		}
		c.log.Info("ticket created", "target", t.Target, "ticket_id", parsed.TicketID, "diff_hash", t.DiffHash)
		return Response{TicketID: parsed.TicketID}, false, nil

	case resp.StatusCode == http.StatusConflict:
		var parsed submitResponse
		_ = json.Unmarshal(respBody, &parsed)
		c.log.Info("ticket already exists", "target", t.Target, "ticket_id", parsed.ExistingTicketID, "diff_hash", t.DiffHash)
		return Response{TicketID: parsed.ExistingTicketID, Duplicate: true}, false, nil

	case resp.StatusCode >= 500:
		return Response{}, true, &SubmissionError{
			StatusCode: resp.StatusCode,
			Msg:        truncate(string(respBody), 200),
		}

	default:
		return Response{}, false, &SubmissionError{
			StatusCode: resp.StatusCode,
			Msg:        truncate(string(respBody), 200),
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Submitter = (*Client)(nil)
