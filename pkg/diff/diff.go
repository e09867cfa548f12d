// Package diff compares prefix snapshots and derives the content hash
// that keys ticket idempotency.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/malbeclabs/irrwatch/pkg/irr"
	"github.com/malbeclabs/irrwatch/pkg/store"
)

// Diff is the symmetric difference between two snapshots of one target.
// The prefix lists are sorted and deduplicated. Hash depends only on the
// target and the change content, never on snapshot identities, so the
// same logical change always produces the same hash.
type Diff struct {
	Target        string
	NewSnapshotID uuid.UUID
	OldSnapshotID *uuid.UUID // nil on first observation

	AddedV4   []string
	RemovedV4 []string
	AddedV6   []string
	RemovedV6 []string

	Hash string
}

// HasChanges reports whether any prefix was added or removed.
func (d *Diff) HasChanges() bool {
	return len(d.AddedV4) > 0 || len(d.RemovedV4) > 0 ||
		len(d.AddedV6) > 0 || len(d.RemovedV6) > 0
}

// Summary renders a one-line human-readable description of the change.
func (d *Diff) Summary() string {
	var parts []string
	if n := len(d.AddedV4); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added IPv4", n))
	}
	if n := len(d.RemovedV4); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed IPv4", n))
	}
	if n := len(d.AddedV6); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added IPv6", n))
	}
	if n := len(d.RemovedV6); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed IPv6", n))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("No changes detected for %s", d.Target)
	}
	return fmt.Sprintf("Detected %s prefixes for %s", strings.Join(parts, ", "), d.Target)
}

// Compute diffs the newer snapshot against the older one. A nil older
// snapshot is treated as an empty baseline, so every prefix in newer
// comes out as added; that models "first observation" without a special
// result type.
func Compute(newer store.Snapshot, older *store.Snapshot) Diff {
	d := Diff{
		Target:        newer.Target,
		NewSnapshotID: newer.ID,
	}

	newSet := irr.PrefixSetFrom(newer.IPv4Prefixes, newer.IPv6Prefixes)
	oldSet := irr.NewPrefixSet()
	if older != nil {
		id := older.ID
		d.OldSnapshotID = &id
		oldSet = irr.PrefixSetFrom(older.IPv4Prefixes, older.IPv6Prefixes)
	}

	d.AddedV4 = subtract(newSet.V4(), oldSet.ContainsV4)
	d.RemovedV4 = subtract(oldSet.V4(), newSet.ContainsV4)
	d.AddedV6 = subtract(newSet.V6(), oldSet.ContainsV6)
	d.RemovedV6 = subtract(oldSet.V6(), newSet.ContainsV6)

	d.Hash = Hash(d.Target, d.AddedV4, d.RemovedV4, d.AddedV6, d.RemovedV6)
	return d
}

// subtract returns the members of sorted that the other set does not
// contain. The input is already sorted and deduplicated, so the output is
// too.
func subtract(sorted []string, otherContains func(string) bool) []string {
	out := []string{}
	for _, p := range sorted {
		if !otherContains(p) {
			out = append(out, p)
		}
	}
	return out
}

// Hash digests the canonical textual form of a change: the target plus
// the four prefix lists, each sorted and deduplicated, joined by
// newlines. Canonicalization makes the hash invariant to merge order and
// storage enumeration order.
func Hash(target string, addedV4, removedV4, addedV6, removedV6 []string) string {
	h := sha256.New()
	h.Write([]byte("target\n" + target + "\n"))
	for _, section := range []struct {
		name     string
		prefixes []string
	}{
		{"added_v4", addedV4},
		{"removed_v4", removedV4},
		{"added_v6", addedV6},
		{"removed_v6", removedV6},
	} {
		h.Write([]byte(section.name + "\n"))
		h.Write([]byte(strings.Join(canonical(section.prefixes), "\n")))
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	dedup := out[:0]
	var prev string
	for i, p := range out {
		if i > 0 && p == prev {
			continue
		}
		dedup = append(dedup, p)
		prev = p
	}
	return dedup
}

// Record converts the diff to its persisted form.
func (d *Diff) Record() store.DiffRecord {
	return store.DiffRecord{
		Target:        d.Target,
		NewSnapshotID: d.NewSnapshotID,
		OldSnapshotID: d.OldSnapshotID,
		AddedV4:       d.AddedV4,
		RemovedV4:     d.RemovedV4,
		AddedV6:       d.AddedV6,
		RemovedV6:     d.RemovedV6,
		DiffHash:      d.Hash,
		HasChanges:    d.HasChanges(),
	}
}

// FormatHuman renders the diff as indented text for CLI output, showing
// at most limit prefixes per section.
func (d *Diff) FormatHuman(limit int) string {
	if limit <= 0 {
		limit = 10
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Changes for %s:\n", d.Target)
	if !d.HasChanges() {
		b.WriteString("  No changes detected")
		return b.String()
	}
	writeSection(&b, "Added IPv4", "+", d.AddedV4, limit)
	writeSection(&b, "Removed IPv4", "-", d.RemovedV4, limit)
	writeSection(&b, "Added IPv6", "+", d.AddedV6, limit)
	writeSection(&b, "Removed IPv6", "-", d.RemovedV6, limit)
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, title, sign string, prefixes []string, limit int) {
	if len(prefixes) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s (%d):\n", title, len(prefixes))
	for i, p := range prefixes {
		if i == limit {
			fmt.Fprintf(b, "    ... and %d more\n", len(prefixes)-limit)
			break
		}
		fmt.Fprintf(b, "    %s %s\n", sign, p)
	}
}
