package pipeline

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/irrwatch/pkg/irr"
	"github.com/malbeclabs/irrwatch/pkg/logger"
	"github.com/malbeclabs/irrwatch/pkg/store"
	"github.com/malbeclabs/irrwatch/pkg/ticket"
)

// memStore is an in-memory Store implementation with the same semantics
// as the Postgres store, including the unique (target, diff_hash) ticket
// constraint.
type memStore struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	snapshots []store.Snapshot
	diffs     []store.DiffRecord
	tickets   map[string]store.TicketRecord
}

func newMemStore(clock clockwork.Clock) *memStore {
	return &memStore{clock: clock, tickets: make(map[string]store.TicketRecord)}
}

func (m *memStore) SaveSnapshot(ctx context.Context, p store.SaveSnapshotParams) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := store.Snapshot{
		ID:             uuid.New(),
		Target:         p.Target,
		CapturedAt:     m.clock.Now().UTC(),
		IPv4Prefixes:   append([]string(nil), p.IPv4Prefixes...),
		IPv6Prefixes:   append([]string(nil), p.IPv6Prefixes...),
		SourcesQueried: p.SourcesQueried,
		HadErrors:      p.HadErrors,
		ContentHash:    store.ContentHash(p.IPv4Prefixes, p.IPv6Prefixes),
	}
	m.snapshots = append(m.snapshots, snap)
	return snap, nil
}

func (m *memStore) LatestSnapshot(ctx context.Context, target string) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].Target == target {
			return m.snapshots[i], nil
		}
	}
	return store.Snapshot{}, store.ErrNotFound
}

func (m *memStore) SnapshotByID(ctx context.Context, id uuid.UUID) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.ID == id {
			return s, nil
		}
	}
	return store.Snapshot{}, store.ErrNotFound
}

func (m *memStore) SnapshotAtOrBefore(ctx context.Context, target string, t time.Time) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []store.Snapshot
	for _, s := range m.snapshots {
		if s.Target == target && !s.CapturedAt.After(t) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return store.Snapshot{}, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CapturedAt.After(candidates[j].CapturedAt)
	})
	return candidates[0], nil
}

func (m *memStore) SnapshotHistory(ctx context.Context, target string, limit int) ([]store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Snapshot
	for i := len(m.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		if m.snapshots[i].Target == target {
			out = append(out, m.snapshots[i])
		}
	}
	return out, nil
}

func (m *memStore) SaveDiff(ctx context.Context, d store.DiffRecord) (store.DiffRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = m.clock.Now().UTC()
	m.diffs = append(m.diffs, d)
	return d, nil
}

func (m *memStore) HasTicket(ctx context.Context, target, diffHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tickets[target+"|"+diffHash]
	return ok, nil
}

func (m *memStore) RecordTicket(ctx context.Context, rec store.TicketRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Target + "|" + rec.DiffHash
	if _, exists := m.tickets[key]; exists {
		return false, nil
	}
	m.tickets[key] = rec
	return true, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]*irr.FetchResult
}

func (f *fakeFetcher) Fetch(ctx context.Context, target string, sources []string) *irr.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[target]; ok {
		return r
	}
	return &irr.FetchResult{
		Target: target,
		Merged: irr.NewPrefixSet(),
		Errors: []irr.SourceError{{Source: "RADB", Message: "unconfigured fake"}},
	}
}

func (f *fakeFetcher) set(target string, v4, v6 []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]*irr.FetchResult)
	}
	f.results[target] = &irr.FetchResult{
		Target:         target,
		Merged:         irr.PrefixSetFrom(v4, v6),
		SourcesQueried: []string{"RADB", "RIPE"},
	}
}

type fakeSubmitter struct {
	mu        sync.Mutex
	calls     int
	duplicate bool
	err       error
}

func (f *fakeSubmitter) Submit(ctx context.Context, t ticket.Ticket) (ticket.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ticket.Response{}, f.err
	}
	return ticket.Response{TicketID: "TICKET-1", Duplicate: f.duplicate}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type env struct {
	clock     *clockwork.FakeClock
	store     *memStore
	fetcher   *fakeFetcher
	submitter *fakeSubmitter
}

func newEnv() *env {
	clock := clockwork.NewFakeClock()
	return &env{
		clock:     clock,
		store:     newMemStore(clock),
		fetcher:   &fakeFetcher{},
		submitter: &fakeSubmitter{},
	}
}

func (e *env) pipeline(t *testing.T, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Logger:              logger.NewTestLogger(),
		Clock:               e.clock,
		Store:               e.store,
		Fetcher:             e.fetcher,
		Submitter:           e.submitter,
		Lookback:            24 * time.Hour,
		SnapshotOnUnchanged: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("first observation submits one ticket", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, nil)

		res, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)

		assert.True(t, res.Submitted)
		assert.False(t, res.Duplicate)
		assert.Equal(t, "TICKET-1", res.TicketID)
		assert.Equal(t, []string{"192.0.2.0/24"}, res.Diff.AddedV4)
		assert.Equal(t, 1, e.submitter.callCount())
		assert.Len(t, e.store.snapshots, 1)
		assert.Len(t, e.store.diffs, 1)
		assert.Len(t, e.store.tickets, 1)
	})

	t.Run("repeat run with the same change is idempotent", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, nil)

		first, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		require.True(t, first.Submitted)

		// The second run sees the same first-observation diff; the guard
		// must skip the submission.
		second, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		assert.False(t, second.Submitted)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Diff.Hash, second.Diff.Hash)
		assert.Equal(t, 1, e.submitter.callCount())
		assert.Len(t, e.store.tickets, 1)
	})

	t.Run("no changes means no submission", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, nil)

		_, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		e.clock.Advance(25 * time.Hour)

		res, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		assert.False(t, res.Diff.HasChanges())
		assert.False(t, res.Submitted)
		assert.False(t, res.Duplicate)
		assert.Equal(t, 1, e.submitter.callCount())
	})

	t.Run("change after the lookback window submits a new ticket", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, nil)

		_, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)

		e.clock.Advance(25 * time.Hour)
		e.fetcher.set("AS64500", []string{"192.0.2.0/24", "203.0.113.0/24"}, nil)

		res, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		assert.True(t, res.Submitted)
		assert.Equal(t, []string{"203.0.113.0/24"}, res.Diff.AddedV4)
		assert.Empty(t, res.Diff.RemovedV4)
		assert.Equal(t, 2, e.submitter.callCount())
	})

	t.Run("all sources failed aborts without persisting", func(t *testing.T) {
		e := newEnv()
		p := e.pipeline(t, nil)

		_, err := p.Run(ctx, "AS64500")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAllSourcesFailed)
		assert.Empty(t, e.store.snapshots)
		assert.Equal(t, 0, e.submitter.callCount())
	})

	t.Run("dry run stops before the submitter", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, func(cfg *Config) {
			cfg.DryRun = true
			cfg.Submitter = nil
		})

		res, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		assert.True(t, res.WouldSubmit)
		assert.False(t, res.Submitted)
		assert.Equal(t, 0, e.submitter.callCount())
		assert.Empty(t, e.store.tickets)
		// Dry runs still persist snapshots and diffs.
		assert.Len(t, e.store.snapshots, 1)
		assert.Len(t, e.store.diffs, 1)
	})

	t.Run("failed submission leaves the change retryable", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		e.submitter.err = &ticket.SubmissionError{StatusCode: 503, Msg: "unavailable"}
		p := e.pipeline(t, nil)

		_, err := p.Run(ctx, "AS64500")
		require.Error(t, err)
		assert.Empty(t, e.store.tickets)

		// Next run retries the same change and succeeds.
		e.submitter.err = nil
		res, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		assert.True(t, res.Submitted)
		assert.Len(t, e.store.tickets, 1)
	})

	t.Run("server-side duplicate is reported, not double-counted", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		e.submitter.duplicate = true
		p := e.pipeline(t, nil)

		res, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		assert.False(t, res.Submitted)
		assert.True(t, res.Duplicate)
	})

	t.Run("unchanged content reuses the latest snapshot when dedup is on", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, func(cfg *Config) {
			cfg.SnapshotOnUnchanged = false
		})

		first, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)

		second, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		assert.Equal(t, first.Snapshot.ID, second.Snapshot.ID)
		assert.Len(t, e.store.snapshots, 1)
	})
}

func TestPipelineSubmitDiff(t *testing.T) {
	ctx := context.Background()

	t.Run("submits a stored diff once", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, func(cfg *Config) { cfg.DryRun = true; cfg.Submitter = nil })

		dry, err := p.Run(ctx, "AS64500")
		require.NoError(t, err)
		require.True(t, dry.WouldSubmit)

		// Now submit the same diff for real.
		p2 := e.pipeline(t, nil)
		res, err := p2.SubmitDiff(ctx, dry.Diff)
		require.NoError(t, err)
		assert.True(t, res.Submitted)
		assert.Equal(t, 1, e.submitter.callCount())

		again, err := p2.SubmitDiff(ctx, dry.Diff)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, 1, e.submitter.callCount())
	})
}

func TestPipelineRunAll(t *testing.T) {
	ctx := context.Background()

	t.Run("one target failing does not stop the others", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		e.fetcher.set("AS64501", []string{"198.51.100.0/24"}, nil)
		// AS64502 is left unconfigured, so every source fails for it.
		p := e.pipeline(t, nil)

		results, failures := p.RunAll(ctx, []string{"AS64500", "AS64502", "AS64501"}, 2)
		assert.Len(t, results, 2)
		require.Len(t, failures, 1)
		assert.ErrorIs(t, failures[0], ErrAllSourcesFailed)
		assert.Equal(t, 2, e.submitter.callCount())
	})

	t.Run("concurrency below one is clamped", func(t *testing.T) {
		e := newEnv()
		e.fetcher.set("AS64500", []string{"192.0.2.0/24"}, nil)
		p := e.pipeline(t, nil)

		results, failures := p.RunAll(ctx, []string{"AS64500"}, 0)
		assert.Len(t, results, 1)
		assert.Empty(t, failures)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("requires a submitter unless dry run", func(t *testing.T) {
		e := newEnv()
		cfg := Config{
			Logger:  logger.NewTestLogger(),
			Store:   e.store,
			Fetcher: e.fetcher,
		}
		_, err := New(cfg)
		require.Error(t, err)

		cfg.DryRun = true
		_, err = New(cfg)
		require.NoError(t, err)
	})

	t.Run("defaults the lookback window", func(t *testing.T) {
		cfg := Config{
			Logger:  logger.NewTestLogger(),
			Store:   newMemStore(clockwork.NewFakeClock()),
			Fetcher: &fakeFetcher{},
			DryRun:  true,
		}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 24*time.Hour, cfg.Lookback)
	})
}
