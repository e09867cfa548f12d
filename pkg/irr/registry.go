package irr

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Protocol selects the wire protocol (or alternative backend) used to
// query a registry source.
type Protocol string

const (
	ProtocolWhois Protocol = "whois"
	ProtocolREST  Protocol = "rest"
	ProtocolProxy Protocol = "proxy"
	ProtocolBGPQ4 Protocol = "bgpq4"
)

// SourceDescriptor is the immutable configuration for one registry source.
type SourceDescriptor struct {
	Name     string
	Protocol Protocol
	Endpoint string // host[:port] for WHOIS, base URL for REST/proxy
	Timeout  time.Duration
	Enabled  bool
}

// DefaultSources returns the well-known IRR sources. RIPE is queried
// through its REST API (more reliable than its WHOIS mirror); the rest
// speak WHOIS on port 43.
func DefaultSources() []SourceDescriptor {
	whois := func(name, server string) SourceDescriptor {
		return SourceDescriptor{
			Name:     name,
			Protocol: ProtocolWhois,
			Endpoint: server,
			Timeout:  defaultWhoisTimeout,
			Enabled:  true,
		}
	}
	return []SourceDescriptor{
		{
			Name:     "RIPE",
			Protocol: ProtocolREST,
			Endpoint: "https://rest.db.ripe.net",
			Timeout:  defaultRESTTimeout,
			Enabled:  true,
		},
		whois("RADB", "whois.radb.net"),
		whois("ARIN", "rr.arin.net"),
		whois("APNIC", "whois.apnic.net"),
		whois("LACNIC", "irr.lacnic.net"),
		whois("AFRINIC", "whois.afrinic.net"),
		whois("NTTCOM", "rr.ntt.net"),
	}
}

// RegistryConfig configures the source registry.
type RegistryConfig struct {
	Logger  *slog.Logger
	Sources []SourceDescriptor

	// RESTRateLimit caps queries per second against REST endpoints.
	// Zero disables limiting.
	RESTRateLimit float64
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for _, d := range cfg.Sources {
		if d.Name == "" {
			return errors.New("source name must not be empty")
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate source %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// Registry maps logical source names to protocol clients. Clients are
// built once at construction; lookups are read-only afterwards.
type Registry struct {
	log         *slog.Logger
	order       []string
	descriptors map[string]SourceDescriptor
	clients     map[string]Client
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		log:         cfg.Logger,
		descriptors: make(map[string]SourceDescriptor, len(cfg.Sources)),
		clients:     make(map[string]Client, len(cfg.Sources)),
	}

	for _, desc := range cfg.Sources {
		if !desc.Enabled {
			continue
		}
		client, err := r.buildClient(desc, cfg.RESTRateLimit)
		if err != nil {
			return nil, fmt.Errorf("building client for source %s: %w", desc.Name, err)
		}
		r.order = append(r.order, desc.Name)
		r.descriptors[desc.Name] = desc
		r.clients[desc.Name] = client
	}

	if len(r.order) == 0 {
		return nil, errors.New("no enabled sources")
	}
	return r, nil
}

func (r *Registry) buildClient(desc SourceDescriptor, restRateLimit float64) (Client, error) {
	switch desc.Protocol {
	case ProtocolWhois:
		return NewWhoisClient(WhoisClientConfig{
			Logger:  r.log,
			Source:  desc.Name,
			Server:  desc.Endpoint,
			Timeout: desc.Timeout,
		})
	case ProtocolREST:
		return NewRESTClient(RESTClientConfig{
			Logger:    r.log,
			Source:    desc.Name,
			BaseURL:   desc.Endpoint,
			Timeout:   desc.Timeout,
			RateLimit: restRateLimit,
		})
	case ProtocolProxy:
		return NewProxyClient(ProxyClientConfig{
			Logger:  r.log,
			APIURL:  desc.Endpoint,
			Timeout: desc.Timeout,
		})
	case ProtocolBGPQ4:
		return NewBGPQ4Client(BGPQ4ClientConfig{
			Logger:  r.log,
			Source:  desc.Name,
			Timeout: desc.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown protocol %q", desc.Protocol)
	}
}

// Client returns the protocol client for a source name.
func (r *Registry) Client(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Descriptor returns the descriptor for a source name.
func (r *Registry) Descriptor(name string) (SourceDescriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Sources returns enabled source names in configured order.
func (r *Registry) Sources() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
