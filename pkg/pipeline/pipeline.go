// Package pipeline runs the fetch -> snapshot -> diff -> submit flow for
// monitored targets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/irrwatch/pkg/diff"
	"github.com/malbeclabs/irrwatch/pkg/irr"
	"github.com/malbeclabs/irrwatch/pkg/store"
	"github.com/malbeclabs/irrwatch/pkg/ticket"
)

// ErrAllSourcesFailed is returned when not a single source produced a
// result; an all-failed fetch is never persisted as a snapshot.
var ErrAllSourcesFailed = errors.New("all sources failed")

// Fetcher is the multi-source fetch capability the pipeline depends on.
type Fetcher interface {
	Fetch(ctx context.Context, target string, sources []string) *irr.FetchResult
}

// Store is the persistence surface the pipeline uses.
type Store interface {
	SaveSnapshot(ctx context.Context, p store.SaveSnapshotParams) (store.Snapshot, error)
	LatestSnapshot(ctx context.Context, target string) (store.Snapshot, error)
	SnapshotByID(ctx context.Context, id uuid.UUID) (store.Snapshot, error)
	SnapshotAtOrBefore(ctx context.Context, target string, t time.Time) (store.Snapshot, error)
	SnapshotHistory(ctx context.Context, target string, limit int) ([]store.Snapshot, error)
	SaveDiff(ctx context.Context, d store.DiffRecord) (store.DiffRecord, error)
	HasTicket(ctx context.Context, target, diffHash string) (bool, error)
	RecordTicket(ctx context.Context, rec store.TicketRecord) (bool, error)
}

// Notifier announces created tickets; optional.
type Notifier interface {
	Notify(ctx context.Context, target, summary, ticketID string) error
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     Store
	Fetcher   Fetcher
	Submitter ticket.Submitter
	Notifier  Notifier // optional

	// Sources to query per fetch; empty means all registry sources.
	Sources []string

	// Lookback is how far back the diff baseline is resolved.
	Lookback time.Duration

	// DryRun short-circuits before the ticketing collaborator is invoked.
	DryRun bool

	// SnapshotOnUnchanged controls whether a fetch whose content hash
	// matches the latest snapshot still persists a new snapshot.
	// Snapshot persistence and diff-triggered submission are independent
	// knobs.
	SnapshotOnUnchanged bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if cfg.Submitter == nil && !cfg.DryRun {
		return errors.New("submitter is required unless running dry")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	return nil
}

// Pipeline executes the full monitoring flow for one target per Run call.
type Pipeline struct {
	log   *slog.Logger
	cfg   Config
	guard *Guard
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log:   cfg.Logger,
		cfg:   cfg,
		guard: NewGuard(cfg.Store),
	}, nil
}

// RunResult reports what one pipeline run did.
type RunResult struct {
	Target    string
	Snapshot  store.Snapshot
	Diff      diff.Diff
	FetchErrs []irr.SourceError

	// Submitted is true when a ticket was created this run. Duplicate is
	// true when the guard (or the ticketing system) already knew the
	// change. WouldSubmit marks a dry run that stopped short of
	// submitting.
	Submitted   bool
	Duplicate   bool
	WouldSubmit bool
	TicketID    string
}

// Run fetches the target, persists a snapshot, diffs it against the
// lookback baseline, and submits a ticket when the change is new.
func (p *Pipeline) Run(ctx context.Context, target string) (*RunResult, error) {
	res, err := p.run(ctx, target)
	switch {
	case err != nil:
		runsTotal.WithLabelValues("error").Inc()
	case res.Submitted:
		runsTotal.WithLabelValues("submitted").Inc()
	default:
		runsTotal.WithLabelValues("no_change").Inc()
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, target string) (*RunResult, error) {
	fetched := p.cfg.Fetcher.Fetch(ctx, target, p.cfg.Sources)
	sourceErrorsTotal.Add(float64(len(fetched.Errors)))
	if fetched.AllFailed() {
		return nil, fmt.Errorf("fetching %s: %w", target, ErrAllSourcesFailed)
	}

	result := &RunResult{Target: target, FetchErrs: fetched.Errors}

	snap, err := p.persistSnapshot(ctx, fetched)
	if err != nil {
		return nil, err
	}
	result.Snapshot = snap

	older, err := p.baseline(ctx, target, snap)
	if err != nil {
		return nil, err
	}

	d := diff.Compute(snap, older)
	result.Diff = d

	if _, err := p.cfg.Store.SaveDiff(ctx, d.Record()); err != nil {
		return nil, fmt.Errorf("persisting diff for %s: %w", target, err)
	}

	if !d.HasChanges() {
		p.log.Info("no changes detected", "target", target, "snapshot_id", snap.ID)
		return result, nil
	}
	p.log.Info(d.Summary(), "target", target, "diff_hash", d.Hash)

	if err := p.submitChange(ctx, result, fetched.SourcesQueried); err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitDiff runs the guard -> submit -> record tail for a previously
// computed diff, without fetching. Used when snapshot capture and ticket
// submission happen in separate invocations.
func (p *Pipeline) SubmitDiff(ctx context.Context, d diff.Diff) (*RunResult, error) {
	snap, err := p.cfg.Store.SnapshotByID(ctx, d.NewSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", d.NewSnapshotID, err)
	}

	result := &RunResult{Target: d.Target, Snapshot: snap, Diff: d}
	if !d.HasChanges() {
		return result, nil
	}
	if err := p.submitChange(ctx, result, snap.SourcesQueried); err != nil {
		return nil, err
	}
	return result, nil
}

// submitChange runs the idempotency guard and, when the change is new,
// submits the ticket and records the submission. It fills in the
// Submitted/Duplicate/WouldSubmit/TicketID fields of result.
func (p *Pipeline) submitChange(ctx context.Context, result *RunResult, sources []string) error {
	target, d := result.Target, result.Diff

	ok, err := p.guard.ShouldSubmit(ctx, target, d.Hash)
	if err != nil {
		return fmt.Errorf("checking idempotency for %s: %w", target, err)
	}
	if !ok {
		p.log.Info("ticket already recorded for this change, skipping submission",
			"target", target, "diff_hash", d.Hash)
		result.Duplicate = true
		return nil
	}

	if p.cfg.DryRun {
		p.log.Info("dry run: would submit ticket", "target", target, "diff_hash", d.Hash)
		result.WouldSubmit = true
		return nil
	}

	resp, err := p.cfg.Submitter.Submit(ctx, ticket.Ticket{
		Target:    target,
		Timestamp: p.cfg.Clock.Now().UTC(),
		Changes: ticket.Changes{
			AddedIPv4:   d.AddedV4,
			RemovedIPv4: d.RemovedV4,
			AddedIPv6:   d.AddedV6,
			RemovedIPv6: d.RemovedV6,
		},
		Summary:  d.Summary(),
		Sources:  sources,
		DiffHash: d.Hash,
	})
	if err != nil {
		// The idempotency record is deliberately not written here, so
		// the submission stays retryable on the next run.
		return fmt.Errorf("submitting ticket for %s: %w", target, err)
	}

	inserted, err := p.guard.RecordSubmission(ctx, target, d.Hash, resp.TicketID, nil)
	if err != nil {
		return fmt.Errorf("recording submission for %s: %w", target, err)
	}
	result.Submitted = inserted && !resp.Duplicate
	result.Duplicate = resp.Duplicate || !inserted
	result.TicketID = resp.TicketID
	if result.Submitted {
		ticketsSubmittedTotal.Inc()
	}

	if p.cfg.Notifier != nil && result.Submitted {
		if err := p.cfg.Notifier.Notify(ctx, target, d.Summary(), resp.TicketID); err != nil {
			p.log.Warn("change notification failed", "target", target, "error", err)
		}
	}
	return nil
}

// persistSnapshot saves the fetch result as a new snapshot, unless the
// content is identical to the latest one and snapshot dedup is enabled.
func (p *Pipeline) persistSnapshot(ctx context.Context, fetched *irr.FetchResult) (store.Snapshot, error) {
	v4 := fetched.Merged.V4()
	v6 := fetched.Merged.V6()

	if !p.cfg.SnapshotOnUnchanged {
		latest, err := p.cfg.Store.LatestSnapshot(ctx, fetched.Target)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// First observation, always persist.
		case err != nil:
			return store.Snapshot{}, fmt.Errorf("loading latest snapshot for %s: %w", fetched.Target, err)
		case latest.ContentHash == store.ContentHash(v4, v6):
			p.log.Debug("content unchanged, reusing latest snapshot",
				"target", fetched.Target, "snapshot_id", latest.ID)
			return latest, nil
		}
	}

	snap, err := p.cfg.Store.SaveSnapshot(ctx, store.SaveSnapshotParams{
		Target:         fetched.Target,
		IPv4Prefixes:   v4,
		IPv6Prefixes:   v6,
		SourcesQueried: fetched.SourcesQueried,
		HadErrors:      len(fetched.Errors) > 0,
	})
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("persisting snapshot for %s: %w", fetched.Target, err)
	}
	return snap, nil
}

// baseline resolves the comparison snapshot: the most recent one at or
// before the lookback cutoff, excluding the snapshot just captured. Nil
// means first observation.
func (p *Pipeline) baseline(ctx context.Context, target string, current store.Snapshot) (*store.Snapshot, error) {
	cutoff := current.CapturedAt.Add(-p.cfg.Lookback)
	older, err := p.cfg.Store.SnapshotAtOrBefore(ctx, target, cutoff)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving baseline for %s: %w", target, err)
	}
	if older.ID == current.ID {
		return nil, nil
	}
	return &older, nil
}

// RunAll runs the pipeline for every target with bounded concurrency.
// Targets are independent; one target's failure does not stop the others.
func (p *Pipeline) RunAll(ctx context.Context, targets []string, concurrency int) ([]*RunResult, []error) {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]*RunResult, len(targets))
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i], errs[i] = p.Run(gctx, target)
			return nil
		})
	}
	_ = g.Wait()

	var out []*RunResult
	var failures []error
	for i := range targets {
		if errs[i] != nil {
			failures = append(failures, fmt.Errorf("%s: %w", targets[i], errs[i]))
			continue
		}
		out = append(out, results[i])
	}
	return out, failures
}
