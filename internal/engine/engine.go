// Package engine wires the lower-level components (dedupe filter, input/
// output/error stores, the reduce engine, the logger) into spec.md §4.x's
// router-facing contract: play, getInput, getOutput, getErrors, and
// deleteError. It is the thing an HTTP layer (out of scope per spec.md §1)
// calls into.
//
// Grounded on the teacher's top-level orchestration in
// services/mape/execute/executor.go, which sequences plan/analyze/execute
// steps behind one exported entrypoint and translates internal failures
// into a caller-facing result -- the same shape play() needs for
// reduce+sink+log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/dedupe"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/ids"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/logstore"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/metrics"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/reduce"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/shadow"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/sinkpost"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

// errorWindowLimit is the widest allowed getErrors time window, spec.md §8
// scenario 6's literal constant (~1 month in milliseconds).
const errorWindowLimit = 2629746000

// Kind enumerates the error kinds from spec.md §7.
type Kind string

const (
	KindDuplicate  Kind = "conflict"
	KindSink       Kind = "esink"
	KindStore      Kind = "storeconflict"
	KindReducer    Kind = "reducer"
	KindErrLimit   Kind = "errlimit"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "notfound"
	KindExpression Kind = "expression"
	KindTimeout    Kind = "timeout"
)

// PlayError is the structured error a play/getErrors/deleteError call
// returns, carrying enough to let an HTTP layer pick a status code per
// spec.md §6.
type PlayError struct {
	Status    int
	Kind      Kind
	Reason    any
	NoRetry   bool
	NoBreaker bool
	Cause     error
}

func (e *PlayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("engine: %s", e.Kind)
}

func (e *PlayError) Unwrap() error { return e.Cause }

// PlayResult is play()'s success value: the stamped input doc and whether
// this call was recognized as a resubmission of an already-processed
// input (spec.md §7: "409-on-replay is treated as success").
type PlayResult struct {
	Doc       doc.Doc
	Duplicate bool
}

// Engine implements the router-facing contract of spec.md §4.x.
type Engine struct {
	Config  pipeline.Config
	Input   store.DocStore // nil disables input logging (still computes ids)
	Output  store.DocStore
	Errors  store.DocStore
	Dedupe  *dedupe.Filter
	Reducer *reduce.Engine
	Logger  *logstore.Logger
	Shadow  *shadow.Publisher // optional, nil when disabled
	Now     func() time.Time
	Log     *slog.Logger
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

// Play runs spec.md §4.F/§4.I end to end for a single input: stamp,
// dedupe-check, log input, reduce, sink, log outputs or log error.
func (e *Engine) Play(ctx context.Context, payload doc.Doc, auth string) (result PlayResult, playErr error) {
	defer func() {
		switch {
		case playErr != nil:
			metrics.IncPlay("error")
		case result.Duplicate:
			metrics.IncPlay("duplicate")
		default:
			metrics.IncPlay("ok")
		}
	}()

	ikey, err := e.Config.Input.Key(payload, auth)
	if err != nil {
		return PlayResult{}, &PlayError{Status: 400, Kind: KindValidation, Cause: err}
	}
	itime, err := e.Config.Input.Time(payload)
	if err != nil {
		return PlayResult{}, &PlayError{Status: 400, Kind: KindValidation, Cause: err}
	}
	groups, err := e.Config.Input.Groups(payload)
	if err != nil || len(groups) == 0 {
		if err == nil {
			err = errors.New("input.groups returned no groups")
		}
		return PlayResult{}, &PlayError{Status: 400, Kind: KindValidation, Cause: err}
	}

	id := ids.TKURI(ikey, itime)
	idoc := payload.Clone()
	idoc.ID = id
	if idoc.ProcessedID == "" {
		idoc.ProcessedID = ids.Pad16(itime)
	}
	if idoc.Processed == 0 {
		idoc.Processed = itime
	}

	if e.Config.Input.Dedupe && e.Dedupe.Has(id) {
		// Fast path hit: confirm authoritatively against the input store
		// before rejecting, per spec.md §4.D ("only then does it reject as
		// duplicate").
		if e.Input != nil {
			_, exists, getErr := e.Input.Get(ctx, id)
			if getErr != nil {
				return PlayResult{}, &PlayError{Status: 500, Kind: KindStore, Cause: getErr}
			}
			if exists {
				metrics.IncDedupeHit()
				e.logger().Debug("play_duplicate", slog.String("id", id))
				return PlayResult{Doc: idoc, Duplicate: true}, nil
			}
		}
	}
	e.Dedupe.Add(id)

	if err := e.Logger.LogInput(ctx, idoc); err != nil {
		return PlayResult{}, &PlayError{Status: 500, Kind: KindStore, Cause: err}
	}

	okeys, err := e.Config.Output.Keys(idoc)
	if err != nil {
		return PlayResult{}, &PlayError{Status: 400, Kind: KindValidation, Cause: err}
	}
	otimes, err := e.Config.Output.Times(idoc)
	if err != nil {
		return PlayResult{}, &PlayError{Status: 400, Kind: KindValidation, Cause: err}
	}

	var skeys []string
	var stimes []int64
	if e.Config.HasSink() && e.Config.Sink.Keys != nil && e.Config.Sink.Times != nil {
		skeys, err = e.Config.Sink.Keys(idoc)
		if err != nil {
			return PlayResult{}, &PlayError{Status: 400, Kind: KindValidation, Cause: err}
		}
		stimes, err = e.Config.Sink.Times(idoc)
		if err != nil {
			return PlayResult{}, &PlayError{Status: 400, Kind: KindValidation, Cause: err}
		}
	}

	call := reduce.Call{
		IDoc:           idoc,
		ITime:          itime,
		IGroups:        groups,
		OKeys:          okeys,
		OTimes:         otimes,
		SKeys:          skeys,
		STimes:         stimes,
		Authentication: auth,
	}

	results, err := e.Reducer.ReduceGroup(ctx, []reduce.Call{call})
	if err != nil {
		// Reducer threw or the batch itself could not be set up: spec.md
		// §7's ReducerError -- propagates, error doc written.
		perr := &PlayError{Status: 500, Kind: KindReducer, Cause: err}
		e.logError(ctx, idoc, perr)
		return PlayResult{}, perr
	}
	res := results[0]
	if res.Err != nil {
		perr := classifyResultErr(res.Err)
		e.logError(ctx, idoc, perr)
		return PlayResult{}, perr
	}

	if e.Shadow != nil {
		for _, out := range res.Outputs {
			e.Shadow.Publish(ctx, out)
		}
	}

	return PlayResult{Doc: idoc}, nil
}

// classifyResultErr maps a reduce.Result.Err to the status/kind spec.md §6/
// §7 prescribe: a store conflict is 409; a reducer-marked output error is
// 422 for an "expression" tag and 500 for a "timeout" tag (default 500 for
// any other tag); a genuine sink failure draws its status from the sink
// error's own Status() rather than a fixed constant.
func classifyResultErr(err error) *PlayError {
	var outErr *reduce.OutputError
	if errors.As(err, &outErr) {
		status, kind := 500, KindTimeout
		if tag, ok := outErr.Tag(); ok {
			switch tag {
			case "expression":
				status, kind = 422, KindExpression
			case "timeout":
				status, kind = 500, KindTimeout
			default:
				status, kind = 500, KindTimeout
			}
		}
		return &PlayError{Status: status, Kind: kind, Reason: outErr.Reason, Cause: err}
	}

	if store.IsConflict(err) {
		return &PlayError{Status: 409, Kind: KindStore, Cause: err}
	}

	var sinkErr *sinkpost.Error
	if errors.As(err, &sinkErr) {
		return &PlayError{Status: sinkErr.Status(), Kind: KindSink, Reason: sinkErr.Reasons, Cause: err}
	}

	return &PlayError{Status: 502, Kind: KindSink, Cause: err}
}

func (e *Engine) logError(ctx context.Context, idoc doc.Doc, perr *PlayError) {
	if e.Errors == nil || e.Logger == nil {
		return
	}
	ekey, etime, ok := "", int64(0), false
	if e.Config.Error.Key != nil && e.Config.Error.Time != nil {
		k, err1 := e.Config.Error.Key(idoc, "")
		t, err2 := e.Config.Error.Time(idoc)
		ekey, etime, ok = k, t, err1 == nil && err2 == nil
	}
	if !ok {
		// No error-id function configured for this deployment; fall back to
		// the input's own id/time so the error is still recorded.
		ekey, _ = e.Config.Input.Key(idoc, "")
		etime = idoc.Processed
	}
	errDoc := idoc.Clone()
	errDoc.ID = ids.TKURI(ekey, etime)
	errDoc.Set("error", string(perr.Kind))
	errDoc.Set("reason", perr.Reason)
	if perr.Cause != nil {
		errDoc.Set("cause", perr.Cause.Error())
	}
	if err := e.Logger.LogError(ctx, errDoc); err != nil {
		e.logger().Error("log_error_failed", slog.Any("err", err), slog.String("id", errDoc.ID))
	}
}

// GetInput implements spec.md §4.x's getInput.
func (e *Engine) GetInput(ctx context.Context, k string, t int64) (doc.Doc, error) {
	return e.get(ctx, e.Input, ids.TKURI(k, t))
}

// GetOutput implements spec.md §4.x's getOutput.
func (e *Engine) GetOutput(ctx context.Context, k string, t int64) (doc.Doc, error) {
	return e.get(ctx, e.Output, ids.KTURI(k, t))
}

func (e *Engine) get(ctx context.Context, s store.DocStore, id string) (doc.Doc, error) {
	if s == nil {
		return doc.Doc{}, &PlayError{Status: 404, Kind: KindNotFound}
	}
	d, ok, err := s.Get(ctx, id)
	if err != nil {
		return doc.Doc{}, &PlayError{Status: 500, Kind: KindStore, Cause: err}
	}
	if !ok {
		return doc.Doc{}, &PlayError{Status: 404, Kind: KindNotFound}
	}
	return d, nil
}

// GetErrors implements spec.md §4.x's getErrors: a descending range scan
// over the error store bounded to at most a 1-month window.
func (e *Engine) GetErrors(ctx context.Context, tstart, tend int64) ([]doc.Doc, error) {
	if tend-tstart > errorWindowLimit {
		return nil, &PlayError{Status: 409, Kind: KindErrLimit, NoRetry: true}
	}
	if e.Errors == nil {
		return nil, nil
	}
	rows, err := e.Errors.AllDocs(ctx, store.AllDocsOptions{
		// Descending scans take the high bound as StartKey.
		StartKey:    "t/" + ids.Pad16(tend) + "ZZZ",
		EndKey:      "t/" + ids.Pad16(tstart),
		Descending:  true,
		IncludeDocs: true,
	})
	if err != nil {
		return nil, &PlayError{Status: 500, Kind: KindStore, Cause: err}
	}
	return rows, nil
}

// DeleteError implements spec.md §4.x's deleteError, auditing the caller
// identity the way the teacher's blockchain audit trail records who
// triggered a state change (services/ledger/internal/blockchain/blockchain.go).
func (e *Engine) DeleteError(ctx context.Context, k string, t int64, callerIdentity string) error {
	if e.Errors == nil {
		return &PlayError{Status: 404, Kind: KindNotFound}
	}
	id := ids.TKURI(k, t)
	d, ok, err := e.Errors.Get(ctx, id)
	if err != nil {
		return &PlayError{Status: 500, Kind: KindStore, Cause: err}
	}
	if !ok {
		return &PlayError{Status: 404, Kind: KindNotFound}
	}
	if err := e.Errors.Remove(ctx, d); err != nil {
		return &PlayError{Status: 500, Kind: KindStore, Cause: err}
	}
	e.logger().Info("error_deleted", slog.String("id", id), slog.String("caller", callerIdentity))
	return nil
}
