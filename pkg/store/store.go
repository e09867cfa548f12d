// Package store persists prefix snapshots, computed diffs, and ticket
// records in Postgres. Snapshots are append-only and immutable; the
// ticket_records primary key on (target, diff_hash) backs the
// idempotency guard.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// StorageError wraps a database failure. Snapshot persistence failures
// are fatal to a pipeline run; a snapshot that silently fails to persist
// would corrupt later diffs.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Snapshot is one immutable observation of a target's merged prefix set.
type Snapshot struct {
	ID             uuid.UUID
	Target         string
	CapturedAt     time.Time
	IPv4Prefixes   []string // sorted
	IPv6Prefixes   []string // sorted
	SourcesQueried []string
	HadErrors      bool
	ContentHash    string
}

// DiffRecord is a persisted diff between two snapshots.
type DiffRecord struct {
	ID            uuid.UUID
	Target        string
	NewSnapshotID uuid.UUID
	OldSnapshotID *uuid.UUID // nil on first observation
	AddedV4       []string
	RemovedV4     []string
	AddedV6       []string
	RemovedV6     []string
	DiffHash      string
	HasChanges    bool
	CreatedAt     time.Time
}

// TicketRecord maps a (target, diff hash) pair to the ticket created for
// it. Its existence is what makes re-submission a no-op.
type TicketRecord struct {
	Target    string
	DiffHash  string
	TicketID  string
	DiffID    *uuid.UUID
	CreatedAt time.Time
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:   cfg.Logger,
		pool:  cfg.Pool,
		clock: cfg.Clock,
	}, nil
}

// ContentHash digests the sorted prefix lists. Two snapshots with the
// same prefixes always hash the same, independent of discovery order.
func ContentHash(ipv4, ipv6 []string) string {
	v4 := append([]string(nil), ipv4...)
	v6 := append([]string(nil), ipv6...)
	sort.Strings(v4)
	sort.Strings(v6)

	h := sha256.New()
	h.Write([]byte("v4\n"))
	h.Write([]byte(strings.Join(v4, "\n")))
	h.Write([]byte("\nv6\n"))
	h.Write([]byte(strings.Join(v6, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// SaveSnapshotParams carries everything the fetch layer hands over when
// persisting a new observation.
type SaveSnapshotParams struct {
	Target         string
	IPv4Prefixes   []string
	IPv6Prefixes   []string
	SourcesQueried []string
	HadErrors      bool
}

// SaveSnapshot assigns a new identity and the current time, and writes the
// snapshot with both address families in a single statement so a
// concurrent reader never observes half a snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, p SaveSnapshotParams) (Snapshot, error) {
	now := s.clock.Now().UTC()

	snap := Snapshot{
		ID:             uuid.New(),
		Target:         p.Target,
		CapturedAt:     now,
		IPv4Prefixes:   sortedCopy(p.IPv4Prefixes),
		IPv6Prefixes:   sortedCopy(p.IPv6Prefixes),
		SourcesQueried: p.SourcesQueried,
		HadErrors:      p.HadErrors,
		ContentHash:    ContentHash(p.IPv4Prefixes, p.IPv6Prefixes),
	}
	if snap.SourcesQueried == nil {
		snap.SourcesQueried = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots
			(id, target, captured_at, ipv4_prefixes, ipv6_prefixes,
			 sources_queried, had_errors, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, snap.Target, snap.CapturedAt, snap.IPv4Prefixes, snap.IPv6Prefixes,
		snap.SourcesQueried, snap.HadErrors, snap.ContentHash, now,
	)
	if err != nil {
		return Snapshot{}, &StorageError{Op: "save snapshot", Err: err}
	}

	s.log.Info("saved snapshot",
		"target", snap.Target,
		"snapshot_id", snap.ID,
		"ipv4_count", len(snap.IPv4Prefixes),
		"ipv6_count", len(snap.IPv6Prefixes),
		"had_errors", snap.HadErrors,
	)
	return snap, nil
}

const snapshotColumns = `id, target, captured_at, ipv4_prefixes, ipv6_prefixes,
	sources_queried, had_errors, content_hash`

// LatestSnapshot returns the most recent snapshot for a target, or
// ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, target string) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE target = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`, target)
	return scanSnapshot(row, "latest snapshot")
}

// SnapshotAtOrBefore returns the most recent snapshot captured at or
// before t, used to resolve "N hours ago" lookback windows.
func (s *Store) SnapshotAtOrBefore(ctx context.Context, target string, t time.Time) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE target = $1 AND captured_at <= $2
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`, target, t)
	return scanSnapshot(row, "snapshot at or before")
}

// SnapshotByID returns a single snapshot by identity.
func (s *Store) SnapshotByID(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE id = $1`, id)
	return scanSnapshot(row, "snapshot by id")
}

// SnapshotHistory returns up to limit snapshots for a target, most recent
// first.
func (s *Store) SnapshotHistory(ctx context.Context, target string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE target = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2`, target, limit)
	if err != nil {
		return nil, &StorageError{Op: "snapshot history", Err: err}
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, "snapshot history")
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "snapshot history", Err: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner, op string) (Snapshot, error) {
	var snap Snapshot
	err := row.Scan(
		&snap.ID, &snap.Target, &snap.CapturedAt,
		&snap.IPv4Prefixes, &snap.IPv6Prefixes,
		&snap.SourcesQueried, &snap.HadErrors, &snap.ContentHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, &StorageError{Op: op, Err: err}
	}
	return snap, nil
}

// SaveDiff persists a computed diff for audit and history.
func (s *Store) SaveDiff(ctx context.Context, d DiffRecord) (DiffRecord, error) {
	d.ID = uuid.New()
	d.CreatedAt = s.clock.Now().UTC()
	for _, list := range []*[]string{&d.AddedV4, &d.RemovedV4, &d.AddedV6, &d.RemovedV6} {
		if *list == nil {
			*list = []string{}
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO diffs
			(id, target, new_snapshot_id, old_snapshot_id, added_v4, removed_v4,
			 added_v6, removed_v6, diff_hash, has_changes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Target, d.NewSnapshotID, d.OldSnapshotID,
		d.AddedV4, d.RemovedV4, d.AddedV6, d.RemovedV6,
		d.DiffHash, d.HasChanges, d.CreatedAt,
	)
	if err != nil {
		return DiffRecord{}, &StorageError{Op: "save diff", Err: err}
	}
	return d, nil
}

// HasTicket reports whether a ticket was already recorded for the
// (target, diff hash) pair.
func (s *Store) HasTicket(ctx context.Context, target, diffHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ticket_records WHERE target = $1 AND diff_hash = $2
		)`, target, diffHash).Scan(&exists)
	if err != nil {
		return false, &StorageError{Op: "has ticket", Err: err}
	}
	return exists, nil
}

// RecordTicket inserts the idempotency record after a confirmed
// submission. The primary key makes the insert atomic against concurrent
// submitters: the second caller gets inserted=false instead of a
// duplicate row.
func (s *Store) RecordTicket(ctx context.Context, rec TicketRecord) (bool, error) {
	rec.CreatedAt = s.clock.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ticket_records (target, diff_hash, ticket_id, diff_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (target, diff_hash) DO NOTHING`,
		rec.Target, rec.DiffHash, rec.TicketID, rec.DiffID, rec.CreatedAt,
	)
	if err != nil {
		return false, &StorageError{Op: "record ticket", Err: err}
	}
	inserted := tag.RowsAffected() == 1
	if inserted {
		s.log.Info("recorded ticket", "target", rec.Target, "ticket_id", rec.TicketID, "diff_hash", rec.DiffHash)
	}
	return inserted, nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
