package replay

import (
	"context"
	"testing"
	"time"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/dedupe"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/engine"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/grouplock"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/ids"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/logstore"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/reduce"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

func sumReducer(accums []pipeline.AccumSlot, input doc.Doc) ([]doc.Doc, error) {
	usage, _ := input.Get("usage")
	u, _ := usage.(float64)
	out := make([]doc.Doc, len(accums))
	for i, a := range accums {
		total := 0.0
		if a.Has {
			if t, _ := a.Doc.Get("total"); t != nil {
				total, _ = t.(float64)
			}
		}
		out[i] = doc.New("", map[string]any{"total": total + u})
	}
	return out, nil
}

// newRestartedEngine simulates the state after a process restart: durable
// stores carry whatever was logged before the crash, but the in-memory
// dedupe filter starts out empty, the same way replay is meant to run at
// startup (spec.md §4.J).
func newRestartedEngine(t *testing.T, idb, odb store.DocStore) *engine.Engine {
	t.Helper()
	cfg := pipeline.Config{
		Input: pipeline.InputConfig{
			Key:    func(d doc.Doc, auth string) (string, error) { org, _ := d.Get("org"); return org.(string), nil },
			Time:   func(d doc.Doc) (int64, error) { tv, _ := d.Get("t"); return int64(tv.(float64)), nil },
			Groups: func(d doc.Doc) ([]string, error) { org, _ := d.Get("org"); return []string{org.(string)}, nil },
		},
		Output: pipeline.OutputConfig{
			DBName: "output",
			Keys:   func(d doc.Doc) ([]string, error) { org, _ := d.Get("org"); return []string{org.(string)}, nil },
			Times:  func(d doc.Doc) ([]int64, error) { tv, _ := d.Get("t"); return []int64{int64(tv.(float64))}, nil },
		},
		Reducer: sumReducer,
	}
	reducer := &reduce.Engine{
		Config: cfg,
		Store:  odb,
		Locks:  grouplock.NewRegistry(),
		Logger: &logstore.Logger{Output: odb},
		Now:    func() time.Time { return time.UnixMilli(1700000005000) },
	}
	return &engine.Engine{
		Config:  cfg,
		Input:   idb,
		Output:  odb,
		Dedupe:  dedupe.New(1000, time.Hour),
		Reducer: reducer,
		Logger:  &logstore.Logger{Input: idb, Output: odb},
		Now:     func() time.Time { return time.UnixMilli(1700000005000) },
	}
}

func TestRunReplaysMissingOutputsAndSkipsExistingOnes(t *testing.T) {
	idb := store.NewMemStore()
	odb := store.NewMemStore()

	// orgA: logged input, never reduced -- should be replayed.
	pending := doc.New(ids.TKURI("orgA", 1700000000000), map[string]any{"org": "orgA", "t": 1700000000000.0, "usage": 5.0})
	pending.Processed = 1700000000000
	if _, err := idb.Put(context.Background(), pending); err != nil {
		t.Fatalf("seed pending input: %v", err)
	}

	// orgB: logged input, already reduced -- should be skipped.
	done := doc.New(ids.TKURI("orgB", 1700000001000), map[string]any{"org": "orgB", "t": 1700000001000.0, "usage": 2.0})
	done.Processed = 1700000001000
	if _, err := idb.Put(context.Background(), done); err != nil {
		t.Fatalf("seed done input: %v", err)
	}
	if _, err := odb.Put(context.Background(), doc.New(ids.KTURI("orgB", 1700000001000), map[string]any{"total": 2.0})); err != nil {
		t.Fatalf("seed existing output: %v", err)
	}

	e := newRestartedEngine(t, idb, odb)
	driver := &Driver{Engine: e, Input: idb, PageSize: 10}

	stats, err := driver.Run(context.Background(), 1700000010000, 1000000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Replayed != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want {Replayed:1 Failed:0}", stats)
	}

	out, ok, err := odb.Get(context.Background(), ids.KTURI("orgA", 1700000000000))
	if err != nil || !ok {
		t.Fatalf("expected orgA's output to now exist: ok=%v err=%v", ok, err)
	}
	total, _ := out.Get("total")
	if total != 5.0 {
		t.Fatalf("replayed output total = %v, want 5.0", total)
	}
}

func TestRunNoOpWhenWindowDisabled(t *testing.T) {
	idb := store.NewMemStore()
	odb := store.NewMemStore()
	e := newRestartedEngine(t, idb, odb)
	driver := &Driver{Engine: e, Input: idb}

	stats, err := driver.Run(context.Background(), 1700000010000, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Replayed != 0 || stats.Failed != 0 {
		t.Fatalf("expected a no-op with windowMillis=0, got %+v", stats)
	}
}
