package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/irrwatch/pkg/pipeline"
	"github.com/malbeclabs/irrwatch/pkg/store"
)

// cmdFetch queries all configured sources for one target and persists
// the merged result as a new snapshot.
func (a *app) cmdFetch(ctx context.Context, args []string) error {
	target, err := targetArg(args)
	if err != nil {
		return err
	}

	st, pool, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	fetcher, err := a.buildFetcher()
	if err != nil {
		return err
	}

	result := fetcher.Fetch(ctx, target, nil)
	if result.AllFailed() {
		for _, e := range result.Errors {
			a.log.Error("source failed", "source", e.Source, "error", e.Message)
		}
		return fmt.Errorf("all sources failed for %s", target)
	}

	snap, err := st.SaveSnapshot(ctx, store.SaveSnapshotParams{
		Target:         target,
		IPv4Prefixes:   result.Merged.V4(),
		IPv6Prefixes:   result.Merged.V6(),
		SourcesQueried: result.SourcesQueried,
		HadErrors:      len(result.Errors) > 0,
	})
	if err != nil {
		return err
	}

	if a.flags.jsonOut {
		return printJSON(map[string]any{
			"target":          target,
			"snapshot_id":     snap.ID,
			"captured_at":     snap.CapturedAt,
			"ipv4_count":      len(snap.IPv4Prefixes),
			"ipv6_count":      len(snap.IPv6Prefixes),
			"sources_queried": snap.SourcesQueried,
			"errors":          result.Errors,
		})
	}

	fmt.Printf("Snapshot %s saved for %s: %d IPv4, %d IPv6 prefixes from %s\n",
		snap.ID, target, len(snap.IPv4Prefixes), len(snap.IPv6Prefixes),
		strings.Join(snap.SourcesQueried, ", "))
	for _, e := range result.Errors {
		fmt.Printf("  warning: %s: %s\n", e.Source, e.Message)
	}
	return nil
}

// cmdDiff shows the change between the latest snapshot and the lookback
// baseline without persisting or submitting anything.
func (a *app) cmdDiff(ctx context.Context, args []string) error {
	target, err := targetArg(args)
	if err != nil {
		return err
	}

	st, pool, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	d, err := a.currentDiff(ctx, st, target)
	if err != nil {
		return err
	}

	if a.flags.jsonOut {
		return printJSON(map[string]any{
			"target":          d.Target,
			"has_changes":     d.HasChanges(),
			"added_v4":        d.AddedV4,
			"removed_v4":      d.RemovedV4,
			"added_v6":        d.AddedV6,
			"removed_v6":      d.RemovedV6,
			"diff_hash":       d.Hash,
			"new_snapshot_id": d.NewSnapshotID,
			"old_snapshot_id": d.OldSnapshotID,
			"summary":         d.Summary(),
		})
	}

	fmt.Println(d.FormatHuman(10))
	return nil
}

// cmdSubmit submits a ticket for the target's current diff. It re-uses
// stored snapshots; run `fetch` first to capture fresh data.
func (a *app) cmdSubmit(ctx context.Context, args []string) error {
	target, err := targetArg(args)
	if err != nil {
		return err
	}

	st, pool, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	d, err := a.currentDiff(ctx, st, target)
	if err != nil {
		return err
	}
	if !d.HasChanges() {
		fmt.Printf("No changes detected for %s, nothing to submit\n", target)
		return nil
	}

	p, err := a.buildPipeline(st)
	if err != nil {
		return err
	}
	result, err := p.SubmitDiff(ctx, d)
	if err != nil {
		return err
	}
	return a.printRunResult(result)
}

// cmdRun executes the full pipeline for one target.
func (a *app) cmdRun(ctx context.Context, args []string) error {
	target, err := targetArg(args)
	if err != nil {
		return err
	}

	st, pool, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	p, err := a.buildPipeline(st)
	if err != nil {
		return err
	}
	result, err := p.Run(ctx, target)
	if err != nil {
		return err
	}
	return a.printRunResult(result)
}

// cmdRunAll executes the pipeline for every configured target.
func (a *app) cmdRunAll(ctx context.Context) error {
	if len(a.cfg.Targets) == 0 {
		return fmt.Errorf("no targets configured")
	}

	st, pool, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	p, err := a.buildPipeline(st)
	if err != nil {
		return err
	}

	results, failures := p.RunAll(ctx, a.cfg.Targets, a.flags.concurrency)
	for _, r := range results {
		if err := a.printRunResult(r); err != nil {
			return err
		}
	}
	for _, ferr := range failures {
		a.log.Error("target run failed", "error", ferr)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d targets failed", len(failures), len(a.cfg.Targets))
	}
	return nil
}

// cmdHistory lists recent snapshots for a target, newest first.
func (a *app) cmdHistory(ctx context.Context, args []string) error {
	target, err := targetArg(args)
	if err != nil {
		return err
	}

	st, pool, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	snaps, err := st.SnapshotHistory(ctx, target, a.flags.limit)
	if err != nil {
		return err
	}

	if a.flags.jsonOut {
		entries := make([]map[string]any, 0, len(snaps))
		for _, s := range snaps {
			entries = append(entries, map[string]any{
				"snapshot_id":     s.ID,
				"captured_at":     s.CapturedAt,
				"ipv4_count":      len(s.IPv4Prefixes),
				"ipv6_count":      len(s.IPv6Prefixes),
				"sources_queried": s.SourcesQueried,
				"had_errors":      s.HadErrors,
				"content_hash":    s.ContentHash,
			})
		}
		return printJSON(map[string]any{"target": target, "snapshots": entries})
	}

	if len(snaps) == 0 {
		fmt.Printf("No snapshots for %s\n", target)
		return nil
	}
	fmt.Printf("Snapshot history for %s:\n", target)
	for _, s := range snaps {
		flag := ""
		if s.HadErrors {
			flag = " (partial: some sources failed)"
		}
		fmt.Printf("  %s  %s  %4d IPv4  %4d IPv6  [%s]%s\n",
			s.CapturedAt.Format("2006-01-02 15:04:05"), s.ID,
			len(s.IPv4Prefixes), len(s.IPv6Prefixes),
			strings.Join(s.SourcesQueried, ","), flag)
	}
	return nil
}

func (a *app) printRunResult(r *pipeline.RunResult) error {
	if a.flags.jsonOut {
		return printJSON(map[string]any{
			"target":       r.Target,
			"snapshot_id":  r.Snapshot.ID,
			"has_changes":  r.Diff.HasChanges(),
			"diff_hash":    r.Diff.Hash,
			"summary":      r.Diff.Summary(),
			"submitted":    r.Submitted,
			"duplicate":    r.Duplicate,
			"would_submit": r.WouldSubmit,
			"ticket_id":    r.TicketID,
			"fetch_errors": r.FetchErrs,
		})
	}

	fmt.Println(r.Diff.FormatHuman(10))
	switch {
	case r.Submitted:
		fmt.Printf("Ticket %s created for %s\n", r.TicketID, r.Target)
	case r.WouldSubmit:
		fmt.Printf("[dry-run] Would create ticket for %s (diff %s)\n", r.Target, r.Diff.Hash)
	case r.Duplicate:
		fmt.Printf("Change already ticketed for %s, skipped\n", r.Target)
	}
	return nil
}
