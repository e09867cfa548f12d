package irr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultRESTTimeout = 60 * time.Second

// RESTClientConfig configures a client for the RIPE-style database REST API.
type RESTClientConfig struct {
	Logger  *slog.Logger
	Source  string // logical source name, e.g. "RIPE"
	BaseURL string // e.g. "https://rest.db.ripe.net"
	Timeout time.Duration

	// RateLimit caps outgoing queries per second. Zero disables limiting.
	RateLimit float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (cfg *RESTClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == "" {
		return errors.New("source name is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRESTTimeout
	}
	return nil
}

// RESTClient issues inverse origin lookups against a registry's JSON REST
// endpoint, one request per address family.
type RESTClient struct {
	log     *slog.Logger
	source  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewRESTClient(cfg RESTClientConfig) (*RESTClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}
	return &RESTClient{
		log:     cfg.Logger,
		source:  cfg.Source,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: limiter,
	}, nil
}

func (c *RESTClient) Query(ctx context.Context, target string) (*PrefixSet, error) {
	set := NewPrefixSet()

	v4, err := c.queryType(ctx, target, "route")
	if err != nil {
		return nil, err
	}
	for _, p := range v4 {
		set.AddV4(p)
	}

	v6, err := c.queryType(ctx, target, "route6")
	if err != nil {
		return nil, err
	}
	for _, p := range v6 {
		set.AddV6(p)
	}

	return set, nil
}

// queryType runs one inverse lookup for a single object type ("route" or
// "route6") and returns the matching prefix attributes.
func (c *RESTClient) queryType(ctx context.Context, target, objType string) ([]string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Source: c.source, Endpoint: c.baseURL, Err: err}
		}
	}

	q := url.Values{}
	q.Set("source", strings.ToLower(c.source))
	q.Set("query-string", target)
	q.Set("inverse-attribute", "origin")
	q.Set("type-filter", objType)
	reqURL := fmt.Sprintf("%s/search.json?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &NetworkError{Source: c.source, Endpoint: c.baseURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "irrwatch/1.0")

	c.log.Debug("querying REST API", "source", c.source, "target", target, "type", objType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Source: c.source, Endpoint: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Source: c.source, Endpoint: c.baseURL, Err: err}
	}

	// The registry answers 404 when the target originates no objects of
	// the requested type. That is an empty result, not a failure.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		if msg, ok := searchErrorMessage(body); ok {
			if strings.Contains(strings.ToLower(msg), "no entries") {
				return nil, nil
			}
			return nil, &ResponseError{Source: c.source, StatusCode: resp.StatusCode, Msg: msg}
		}
		return nil, &ResponseError{
			Source:     c.source,
			StatusCode: resp.StatusCode,
			Msg:        truncate(string(body), 200),
		}
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ResponseError{Source: c.source, Msg: "invalid JSON response", Err: err}
	}

	return parsed.prefixes(objType), nil
}

// searchResponse mirrors the RIPE database search document. The "object"
// member is an array when multiple route objects match but a bare object
// when exactly one does, so it decodes through objectList.
type searchResponse struct {
	Objects struct {
		Object objectList `json:"object"`
	} `json:"objects"`
	ErrorMessages struct {
		ErrorMessage []struct {
			Text string `json:"text"`
		} `json:"errormessage"`
	} `json:"errormessages"`
}

type searchObject struct {
	Type       string `json:"type"`
	Attributes struct {
		Attribute []searchAttribute `json:"attribute"`
	} `json:"attributes"`
}

type searchAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type objectList []searchObject

func (l *objectList) UnmarshalJSON(data []byte) error {
	var many []searchObject
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one searchObject
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = objectList{one}
	return nil
}

// prefixes collects the attribute whose name matches the object type;
// objects missing the attribute are skipped, not fatal.
func (r *searchResponse) prefixes(objType string) []string {
	var out []string
	for _, obj := range r.Objects.Object {
		if obj.Type != "" && !strings.EqualFold(obj.Type, objType) {
			continue
		}
		for _, attr := range obj.Attributes.Attribute {
			if strings.EqualFold(attr.Name, objType) {
				if v := strings.TrimSpace(attr.Value); v != "" {
					out = append(out, v)
				}
				break
			}
		}
	}
	return out
}

func searchErrorMessage(body []byte) (string, bool) {
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false
	}
	if msgs := parsed.ErrorMessages.ErrorMessage; len(msgs) > 0 && msgs[0].Text != "" {
		return msgs[0].Text, true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
