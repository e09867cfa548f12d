package irr

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

// ProxyClientConfig configures a client that queries a deployed irrwatch
// lookup API instead of talking to the registries directly. Useful when
// the local network cannot reach WHOIS servers.
type ProxyClientConfig struct {
	Logger  *slog.Logger
	APIURL  string
	Sources []string // registry sources the API should query server-side
	Timeout time.Duration

	HTTPClient *http.Client
}

func (cfg *ProxyClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIURL == "" {
		return errors.New("API URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRESTTimeout
	}
	return nil
}

// ProxyClient implements Client against the lookup API's fetch endpoint.
// The API performs the multi-source merge server-side, so one proxy query
// stands in for the whole source list.
type ProxyClient struct {
	log     *slog.Logger
	apiURL  string
	sources []string
	http    *http.Client
}

func NewProxyClient(cfg ProxyClientConfig) (*ProxyClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &ProxyClient{
		log:     cfg.Logger,
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		sources: cfg.Sources,
		http:    httpClient,
	}, nil
}

type proxyFetchRequest struct {
	Target  string   `json:"target"`
	Sources []string `json:"sources,omitempty"`
}

type proxyFetchResponse struct {
	Target       string   `json:"target"`
	IPv4Prefixes []string `json:"ipv4_prefixes"`
	IPv6Prefixes []string `json:"ipv6_prefixes"`
	Errors       []string `json:"errors"`
}

func (c *ProxyClient) Query(ctx context.Context, target string) (*PrefixSet, error) {
	reqBody, err := json.Marshal(proxyFetchRequest{Target: target, Sources: c.sources})
	if err != nil {
		return nil, &ResponseError{Source: "API", Msg: "encoding request", Err: err}
	}

	url := c.apiURL + "/api/v1/fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &NetworkError{Source: "API", Endpoint: c.apiURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "irrwatch/1.0 (proxy)")

	c.log.Debug("querying lookup API", "url", url, "target", target)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Source: "API", Endpoint: c.apiURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Source: "API", Endpoint: c.apiURL, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ResponseError{
			Source:     "API",
			StatusCode: resp.StatusCode,
			Msg:        truncate(string(body), 200),
		}
	}

	var parsed proxyFetchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ResponseError{Source: "API", Msg: "invalid JSON response", Err: err}
	}

	return PrefixSetFrom(parsed.IPv4Prefixes, parsed.IPv6Prefixes), nil
}

var _ Client = (*ProxyClient)(nil)

// String identifies the proxy endpoint in logs and fetch errors.
func (c *ProxyClient) String() string {
	return fmt.Sprintf("proxy(%s)", c.apiURL)
}
