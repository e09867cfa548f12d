package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/malbeclabs/irrwatch/pkg/store"
)

// Guard prevents duplicate ticket submissions for the same change
// content. The check consults the ticket record for (target, diff hash);
// the record itself is only written after the ticketing system confirmed
// success, and the store's unique constraint keeps a concurrent second
// submitter from recording a duplicate.
//
// The guard does not decide emptiness policy: callers check
// Diff.HasChanges before consulting it.
type Guard struct {
	store Store
}

func NewGuard(s Store) *Guard {
	return &Guard{store: s}
}

// ShouldSubmit reports whether no ticket exists yet for this change.
func (g *Guard) ShouldSubmit(ctx context.Context, target, diffHash string) (bool, error) {
	exists, err := g.store.HasTicket(ctx, target, diffHash)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// RecordSubmission persists the idempotency record after a confirmed
// submission. Returns false when a concurrent submitter won the race.
func (g *Guard) RecordSubmission(ctx context.Context, target, diffHash, ticketID string, diffID *uuid.UUID) (bool, error) {
	return g.store.RecordTicket(ctx, store.TicketRecord{
		Target:   target,
		DiffHash: diffHash,
		TicketID: ticketID,
		DiffID:   diffID,
	})
}
