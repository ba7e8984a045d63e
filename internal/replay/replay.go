// Package replay implements spec.md §4.J: scan a time window of input
// docs and re-submit those lacking both an output and an error record.
//
// Grounded on the teacher's ingest retry/backoff loop shape
// (services/ledger/internal/ingest/kafka.go's consumer loop: page through a
// bounded window, classify each record, act or skip) generalized from a
// live Kafka consumer to a one-shot paginated store scan run at startup.
package replay

import (
	"context"
	"log/slog"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/engine"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/ids"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/metrics"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

const defaultPageSize = 200

// Stats is the {replayed, failed} counter pair from spec.md §4.J step 4.
type Stats struct {
	Replayed int
	Failed   int
}

// Driver runs the replay scan.
type Driver struct {
	Engine   *engine.Engine
	Input    store.DocStore
	PageSize int
	Log      *slog.Logger
}

func (d *Driver) pageSize() int {
	if d.PageSize > 0 {
		return d.PageSize
	}
	return defaultPageSize
}

func (d *Driver) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Run scans inputs logged in [now-window, now] and re-submits any that have
// neither an output nor an error recorded for them, per spec.md §4.J.
// windowMillis <= 0 is a no-op (REPLAY unset/0 disables replay, spec.md §6).
func (d *Driver) Run(ctx context.Context, nowMillis int64, windowMillis int64) (Stats, error) {
	var stats Stats
	if windowMillis <= 0 || d.Input == nil {
		return stats, nil
	}

	start := nowMillis - windowMillis
	if start < 0 {
		start = 0
	}
	startKey := "t/" + ids.Pad16(start)
	endKey := "t/" + ids.Pad16(nowMillis) + "ZZZ"

	page := d.pageSize()
	for {
		rows, err := d.Input.AllDocs(ctx, store.AllDocsOptions{
			StartKey:    startKey,
			EndKey:      endKey,
			Descending:  false,
			Limit:       page,
			IncludeDocs: true,
		})
		if err != nil {
			return stats, err
		}
		if len(rows) == 0 {
			break
		}
		for _, idoc := range rows {
			d.processOne(ctx, idoc, &stats)
			// Advance the window past the last row processed so the next
			// page picks up where this one left off.
			startKey = idoc.ID + "\x00"
		}
		if len(rows) < page {
			break
		}
	}
	return stats, nil
}

func (d *Driver) processOne(ctx context.Context, idoc doc.Doc, stats *Stats) {
	okeys, err := d.Engine.Config.Output.Keys(idoc)
	if err != nil || len(okeys) == 0 {
		stats.Failed++
		metrics.IncReplayFailed()
		d.logger().Warn("replay_skip_output_keys", slog.Any("err", err), slog.String("id", idoc.ID))
		return
	}
	otimes, err := d.Engine.Config.Output.Times(idoc)
	if err != nil || len(otimes) == 0 {
		stats.Failed++
		metrics.IncReplayFailed()
		d.logger().Warn("replay_skip_output_times", slog.Any("err", err), slog.String("id", idoc.ID))
		return
	}
	okey, otime := okeys[len(okeys)-1], otimes[len(otimes)-1]
	outID := ids.KTURI(okey, otime)

	if d.Engine.Output != nil {
		_, exists, err := d.Engine.Output.Get(ctx, outID)
		if err != nil {
			stats.Failed++
			metrics.IncReplayFailed()
			d.logger().Warn("replay_output_lookup_failed", slog.Any("err", err), slog.String("id", idoc.ID))
			return
		}
		if exists {
			return // already reduced; spec.md §8 invariant 5
		}
	}

	var errID string
	if d.Engine.Config.Error.Key != nil && d.Engine.Config.Error.Time != nil {
		ekey, ktErr := d.Engine.Config.Error.Key(idoc, "")
		etime, tErr := d.Engine.Config.Error.Time(idoc)
		if ktErr == nil && tErr == nil {
			errID = ids.TKURI(ekey, etime)
		}
	}
	if errID == "" {
		// Same fallback id the engine gives the error doc it logs.
		ikey, _ := d.Engine.Config.Input.Key(idoc, "")
		errID = ids.TKURI(ikey, idoc.Processed)
	}
	if d.Engine.Logger != nil {
		if exists, err := d.Engine.Logger.ErrorExists(ctx, errID); err == nil && exists {
			return // already failed terminally; replay does not retry it
		}
	}

	resubmit := idoc.Clone()
	resubmit.ID = ""
	resubmit.Processed = 0
	resubmit.ProcessedID = ""

	if _, err := d.Engine.Play(ctx, resubmit, ""); err != nil {
		stats.Failed++
		metrics.IncReplayFailed()
		d.logger().Warn("replay_resubmit_failed", slog.Any("err", err), slog.String("input_id", idoc.ID))
		return
	}
	stats.Replayed++
	metrics.IncReplayed()
}
