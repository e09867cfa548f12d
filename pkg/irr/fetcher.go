package irr

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// SourceError records a single source's failure inside an otherwise
// successful fetch.
type SourceError struct {
	Source  string
	Message string
}

// FetchResult is the outcome of querying an ordered list of sources for
// one target. Merged is the union of every source that succeeded;
// SourcesQueried and Errors preserve the configured source order. A
// FetchResult is never mutated after Fetch returns.
type FetchResult struct {
	Target         string
	Merged         *PrefixSet
	SourcesQueried []string
	Errors         []SourceError
}

// AllFailed reports whether no source produced a result.
func (r *FetchResult) AllFailed() bool {
	return len(r.SourcesQueried) == 0 && len(r.Errors) > 0
}

// FetcherConfig configures the multi-source fetcher.
type FetcherConfig struct {
	Logger   *slog.Logger
	Registry *Registry

	// MaxConcurrency bounds in-flight per-source queries. Values below 1
	// mean sequential fetching.
	MaxConcurrency int
}

func (cfg *FetcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return nil
}

// Fetcher queries every configured source for a target and folds the
// per-source prefix sets into one union. A failing source is recorded and
// skipped; it never aborts the fetch.
type Fetcher struct {
	log      *slog.Logger
	registry *Registry
	maxConc  int
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fetcher{
		log:      cfg.Logger,
		registry: cfg.Registry,
		maxConc:  cfg.MaxConcurrency,
	}, nil
}

// Fetch queries the given sources for the target. Sources are queried
// concurrently up to the configured bound; each query writes into its own
// result slot and the slots are folded in configured order afterwards, so
// SourcesQueried and Errors come out ordered while the union itself is
// order-independent.
func (f *Fetcher) Fetch(ctx context.Context, target string, sources []string) *FetchResult {
	if len(sources) == 0 {
		sources = f.registry.Sources()
	}

	type slot struct {
		set *PrefixSet
		err error
	}
	slots := make([]slot, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxConc)
	for i, name := range sources {
		g.Go(func() error {
			client, ok := f.registry.Client(name)
			if !ok {
				slots[i].err = &ResponseError{Source: name, Msg: "source not configured"}
				return nil
			}
			set, err := client.Query(gctx, target)
			if err != nil {
				slots[i].err = err
				return nil
			}
			slots[i].set = set
			return nil
		})
	}
	// Goroutines report failures through their slots, never as group
	// errors, so one source cannot cancel the others.
	_ = g.Wait()

	result := &FetchResult{Target: target, Merged: NewPrefixSet()}
	for i, name := range sources {
		if err := slots[i].err; err != nil {
			result.Errors = append(result.Errors, SourceError{Source: name, Message: err.Error()})
			f.log.Warn("source query failed", "target", target, "source", name, "error", err)
			continue
		}
		result.Merged.Union(slots[i].set)
		result.SourcesQueried = append(result.SourcesQueried, name)
		f.log.Info("fetched from source",
			"target", target,
			"source", name,
			"ipv4_count", slots[i].set.SizeV4(),
			"ipv6_count", slots[i].set.SizeV6(),
		)
	}

	f.log.Info("fetch complete",
		"target", target,
		"total_ipv4", result.Merged.SizeV4(),
		"total_ipv6", result.Merged.SizeV6(),
		"sources_ok", len(result.SourcesQueried),
		"sources_failed", len(result.Errors),
	)
	return result
}
