// Package reduce implements spec.md §4.F, the heart of the pipeline: for a
// batch of inputs sharing one group, read the latest accumulator for each
// output slot, fold the user-supplied reducer over the inputs in order,
// materialize final output docs, fan them out to the sink, and -- only if
// every call's sink posts succeeded -- log the outputs.
//
// Grounded on the teacher's zoneConsumer.handleMessage/persistMatch shape
// (services/ledger/internal/ingest/kafka.go): read-modify-write against an
// in-memory pending index, commit once both halves are ready, with the
// commit itself guarded by a mutex and undone on failure. Here the
// "pending index" generalizes to the accumulator read in step 2 and the
// "commit" to logOutputs in step 7.
package reduce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/grouplock"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/ids"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/logstore"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/metrics"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/sinkpost"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/sinkrouter"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

// Clock abstracts time.Now so tests can control the "now" used for
// processed/processed_id stamping (spec.md §3).
type Clock func() time.Time

// Call is one input's worth of work submitted to a group batch, spec.md
// §4.F's "{ idoc, itime, igroups, okeys, otimes, skeys, stimes,
// authentication }".
type Call struct {
	IDoc           doc.Doc
	ITime          int64
	IGroups        []string
	OKeys          []string
	OTimes         []int64
	SKeys          []string
	STimes         []int64
	Authentication string
}

// Result is one call's outcome: either a materialized, sunk, and logged
// set of output docs, or an error (reducer failure, sink failure, or store
// conflict) per spec.md §7.
type Result struct {
	Outputs []doc.Doc
	Err     error
}

// OutputError wraps a reducer-marked {error} field on a materialized output
// (spec.md §7's ExpressionError/TimeoutError: "nested errors in the
// reducer output's error field"), preserving the reducer's own
// discriminator instead of flattening it so the HTTP layer can still tell
// an expression failure from a timeout.
type OutputError struct {
	// Reason is the raw value of the output doc's "error" field: either a
	// tag string ("expression", "timeout", ...) or a structured map, at
	// the reducer's discretion.
	Reason any
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("reduce: reducer marked output failed: %v", e.Reason)
}

// Tag extracts the reducer's error tag when Reason is a plain string, or
// the "error" entry of a structured map reason; ("", false) otherwise.
func (e *OutputError) Tag() (string, bool) {
	switch r := e.Reason.(type) {
	case string:
		return r, true
	case map[string]any:
		if s, ok := r["error"].(string); ok {
			return s, true
		}
	}
	return "", false
}

// Engine is the reduce engine, component F.
type Engine struct {
	Config  pipeline.Config
	Store   store.DocStore // output/accumulator store facade; nil when unconfigured
	Locks   *grouplock.Registry
	Sink    *sinkpost.Poster // nil when no sink is configured
	Logger  *logstore.Logger
	Now     Clock
	Log     *slog.Logger
	// DedupeConfigured tells the sink poster whether a duplicate filter is
	// active in this engine, which changes how a bare 409 is classified
	// (spec.md §4.H).
	DedupeConfigured bool
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// ReduceGroup runs spec.md §4.F's algorithm for a batch of calls that all
// share a group (calls[0].IGroups[0]); the caller is responsible for
// routing same-group calls together, per spec.md §5 ("Strict serial order
// of reduces per group identifier"). Every call in the batch must agree on
// OKeys/OTimes -- they describe the batch's shared set of output slots.
func (e *Engine) ReduceGroup(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	group := calls[0].IGroups[0]
	okeys, otimes := calls[0].OKeys, calls[0].OTimes
	for _, c := range calls[1:] {
		if !sameSlots(okeys, otimes, c.OKeys, c.OTimes) {
			return nil, fmt.Errorf("reduce: calls in one group batch must share output slots")
		}
	}

	start := e.now()
	release, err := e.Locks.Acquire(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("reduce: acquire group lock %q: %w", group, err)
	}
	defer release()
	defer func() { metrics.ObserveReduceLatency(e.now().Sub(start).Seconds()) }()
	metrics.SetGroupLockQueueDepth(e.Locks.Len())

	accums, err := e.readAccumulators(ctx, okeys, otimes)
	if err != nil {
		return nil, fmt.Errorf("reduce: read accumulators: %w", err)
	}

	// Fold each input through the reducer in batch order (spec.md §4.F
	// step 3); a reducer panic/error propagates out and aborts the whole
	// batch -- no outputs are logged and no sink posts are issued.
	rounds := make([][]doc.Doc, 0, len(calls)+1)
	last := make([]doc.Doc, len(accums))
	for i, a := range accums {
		last[i] = a.Doc
	}
	rounds = append(rounds, last)

	now := e.now()
	for _, call := range calls {
		res, err := e.Config.Reducer(toSlots(accums, rounds[len(rounds)-1]), call.IDoc)
		if err != nil {
			return nil, fmt.Errorf("reduce: reducer: %w", err)
		}
		if len(res) != len(okeys) {
			return nil, fmt.Errorf("reduce: reducer returned %d entries, want %d", len(res), len(okeys))
		}
		for i := range res {
			// Transient stamp per spec.md §4.F step 3; materialize()
			// overwrites both processed fields with pad16(now)/now once
			// the entry is finalized for a specific call below.
			res[i].Processed = call.ITime
		}
		rounds = append(rounds, res)
	}

	results := make([]Result, len(calls))
	var okDocs []doc.Doc
	var finalOutputs [][]doc.Doc

	for j, call := range calls {
		entry := rounds[j+1]
		materialized := materialize(entry, call, okeys, otimes, accums, now)
		if reason, failed := anyReducerError(materialized); failed {
			results[j] = Result{Outputs: materialized, Err: &OutputError{Reason: reason}}
			finalOutputs = append(finalOutputs, nil)
			continue
		}
		results[j] = Result{Outputs: materialized}
		finalOutputs = append(finalOutputs, materialized)
	}

	// spec.md §4.F step 7: "Only if all calls in the batch succeeded at the
	// sink, log outputs to the output store." A single failed sink post
	// anywhere in the batch therefore withholds logging for the *whole*
	// batch, including calls that individually posted fine -- their
	// outputs are re-derived and re-posted when the caller retries (the
	// sink is expected to tolerate the repeat via its own dedupe filter,
	// spec.md §1).
	sinkFailed := false
	if e.Sink != nil && e.Config.HasSink() {
		for j, outs := range finalOutputs {
			if outs == nil {
				continue // reducer-failed call: skipped at sink and log steps
			}
			if err := e.postToSink(ctx, outs, calls[j]); err != nil {
				metrics.IncSinkPost("error")
				results[j].Err = err
				sinkFailed = true
			} else {
				metrics.IncSinkPost("ok")
			}
		}
	}

	if sinkFailed {
		return results, nil
	}

	for _, outs := range finalOutputs {
		if outs != nil {
			okDocs = append(okDocs, outs...)
		}
	}

	if e.Config.HasOutputStore() && e.Logger != nil && len(okDocs) > 0 {
		if err := e.Logger.LogOutputs(ctx, okDocs); err != nil {
			// A store conflict here means another writer raced the same
			// accumulator slot between step 2's read and this put; the
			// whole batch fails and the enclosing play is expected to
			// retry (spec.md §4.F tie-breaks).
			for j := range results {
				if results[j].Err == nil && finalOutputs[j] != nil {
					results[j].Err = fmt.Errorf("reduce: log outputs: %w", err)
				}
			}
		}
	}

	return results, nil
}

func sameSlots(k1 []string, t1 []int64, k2 []string, t2 []int64) bool {
	if len(k1) != len(k2) || len(t1) != len(t2) {
		return false
	}
	for i := range k1 {
		if k1[i] != k2[i] || t1[i] != t2[i] {
			return false
		}
	}
	return true
}

func toSlots(accums []pipeline.AccumSlot, current []doc.Doc) []pipeline.AccumSlot {
	out := make([]pipeline.AccumSlot, len(accums))
	for i, a := range accums {
		out[i] = pipeline.AccumSlot{Doc: current[i], Has: a.Has || !isZeroDoc(current[i])}
	}
	return out
}

func isZeroDoc(d doc.Doc) bool {
	return d.ID == "" && len(d.Fields) == 0
}

// readAccumulators implements spec.md §4.F step 2: for each output slot,
// range-scan for the latest accumulator doc within otime's month.
func (e *Engine) readAccumulators(ctx context.Context, okeys []string, otimes []int64) ([]pipeline.AccumSlot, error) {
	out := make([]pipeline.AccumSlot, len(okeys))
	if !e.Config.HasOutputStore() || e.Store == nil {
		return out, nil // spec.md §4.F: "if odb is not configured, step 2 returns {}"
	}
	for i := range okeys {
		slot, err := e.lastAccum(ctx, okeys[i], otimes[i])
		if err != nil {
			return nil, err
		}
		out[i] = slot
	}
	return out, nil
}

func (e *Engine) lastAccum(ctx context.Context, okey string, otime int64) (pipeline.AccumSlot, error) {
	start := ids.KTURI(okey, ids.EndOfMonth(otime)) + "ZZZ"
	end := ids.KTURI(okey, ids.StartOfMonth(otime))
	rows, err := e.Store.AllDocs(ctx, store.AllDocsOptions{
		StartKey:    start,
		EndKey:      end,
		Descending:  true,
		Limit:       1,
		IncludeDocs: true,
	})
	if err != nil {
		return pipeline.AccumSlot{}, err
	}
	if len(rows) == 0 {
		return pipeline.AccumSlot{}, nil
	}
	return pipeline.AccumSlot{Doc: rows[0], Has: true}, nil
}

// materialize implements spec.md §4.F step 4: extend each reducer entry
// with the back-reference, id, and processed stamps, and step 7's
// rev-reuse/new-doc decision.
func materialize(entry []doc.Doc, call Call, okeys []string, otimes []int64, accums []pipeline.AccumSlot, now time.Time) []doc.Doc {
	out := make([]doc.Doc, len(entry))
	nowMillis := now.UnixMilli()
	for i, d := range entry {
		d = d.Clone()
		if call.IDoc.ID != "" {
			inputType, _ := call.IDoc.Get("type")
			refField := "usage_id"
			if s, ok := inputType.(string); ok && s != "" {
				refField = s + "_id"
			}
			d.Set(refField, call.IDoc.ID)
		}
		newID := ids.KTURI(okeys[i], otimes[i])
		d.ID = newID
		d.ProcessedID = ids.Pad16(nowMillis)
		d.Processed = nowMillis
		if i < len(accums) && accums[i].Has && accums[i].Doc.ID == newID {
			d.Rev = accums[i].Doc.Rev // reuse: update-in-place
		} else {
			d.Rev = "" // new doc; no stale rev carried over
		}
		out[i] = d
	}
	return out
}

func anyReducerError(outputs []doc.Doc) (any, bool) {
	for _, d := range outputs {
		if reason, ok := d.HasError(); ok {
			return reason, true
		}
	}
	return nil, false
}

func (e *Engine) postToSink(ctx context.Context, outputs []doc.Doc, call Call) error {
	if len(outputs) == 0 {
		return nil
	}
	target := e.Config.Sink.Host
	if e.Config.Sink.Apps > 1 {
		routed, err := sinkrouter.RouteID(e.Config.Sink.Host, e.Config.Sink.Apps, outputs[0].ID)
		if err != nil {
			return err
		}
		target = routed
	}
	sinkCfg := e.Config.Sink
	if call.Authentication != "" && sinkCfg.Authentication == nil {
		tok := call.Authentication
		sinkCfg.Authentication = func(context.Context) (string, error) { return tok, nil }
	}
	return e.Sink.PostAll(ctx, target, outputs, sinkCfg, e.DedupeConfigured)
}
