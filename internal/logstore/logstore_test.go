package logstore

import (
	"context"
	"testing"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

func TestLogInputIsIdempotent(t *testing.T) {
	s := store.NewMemStore()
	l := &Logger{Input: s}
	d := doc.New("id1", map[string]any{"usage": 1.0})

	if err := l.LogInput(context.Background(), d); err != nil {
		t.Fatalf("first LogInput: %v", err)
	}
	if err := l.LogInput(context.Background(), d); err != nil {
		t.Fatalf("retried LogInput should be swallowed, got %v", err)
	}
}

func TestLogOutputPropagatesConflict(t *testing.T) {
	s := store.NewMemStore()
	l := &Logger{Output: s}
	d := doc.New("id1", nil)
	if _, err := l.LogOutput(context.Background(), d); err != nil {
		t.Fatalf("first LogOutput: %v", err)
	}
	// d.Rev is still empty, so this looks like a fresh insert and will conflict.
	if _, err := l.LogOutput(context.Background(), d); !store.IsConflict(err) {
		t.Fatalf("expected a conflict error on a stale-rev output write, got %v", err)
	}
}

// recordingStore records the ids of the docs passed to Put, in call order.
type recordingStore struct {
	store.DocStore
	puts []string
}

func (r *recordingStore) Put(ctx context.Context, d doc.Doc) (string, error) {
	r.puts = append(r.puts, d.ID)
	return r.DocStore.Put(ctx, d)
}

func TestLogOutputsDedupesAndOrdersReverseChronologically(t *testing.T) {
	s := store.NewMemStore()
	rec := &recordingStore{DocStore: s}
	l := &Logger{Output: rec}

	docs := []doc.Doc{
		doc.Doc{ID: "a", Processed: 100, Fields: map[string]any{"total": 1.0}},
		doc.Doc{ID: "b", Processed: 200, Fields: map[string]any{"total": 2.0}},
		doc.Doc{ID: "a", Processed: 300, Fields: map[string]any{"total": 3.0}}, // overrides the first "a"
	}
	if err := l.LogOutputs(context.Background(), docs); err != nil {
		t.Fatalf("LogOutputs: %v", err)
	}

	got, ok, err := s.Get(context.Background(), "a")
	if err != nil || !ok {
		t.Fatalf("Get a: ok=%v err=%v", ok, err)
	}
	if total, _ := got.Get("total"); total != 3.0 {
		t.Fatalf("expected the later occurrence of id %q to win, got %v", "a", total)
	}
	// "a" (processed 300) is newer than "b" (processed 200), so it goes first.
	if len(rec.puts) != 2 || rec.puts[0] != "a" || rec.puts[1] != "b" {
		t.Fatalf("expected writes in order [a b], got %v", rec.puts)
	}
}

func TestLogErrorWritesOnce(t *testing.T) {
	s := store.NewMemStore()
	l := &Logger{Error: s}
	d := doc.New("e1", map[string]any{"reason": "boom"})

	if err := l.LogError(context.Background(), d); err != nil {
		t.Fatalf("first LogError: %v", err)
	}
	if err := l.LogError(context.Background(), d); err != nil {
		t.Fatalf("second LogError should be a no-op, got %v", err)
	}

	got, ok, err := s.Get(context.Background(), "e1")
	if err != nil || !ok {
		t.Fatalf("Get e1: ok=%v err=%v", ok, err)
	}
	if reason, _ := got.Get("reason"); reason != "boom" {
		t.Fatalf("error doc fields should be untouched by the second call, got %v", reason)
	}
}

func TestErrorExists(t *testing.T) {
	s := store.NewMemStore()
	l := &Logger{Error: s}

	exists, err := l.ErrorExists(context.Background(), "e1")
	if err != nil || exists {
		t.Fatalf("ErrorExists before write: exists=%v err=%v", exists, err)
	}

	if err := l.LogError(context.Background(), doc.New("e1", nil)); err != nil {
		t.Fatalf("LogError: %v", err)
	}
	exists, err = l.ErrorExists(context.Background(), "e1")
	if err != nil || !exists {
		t.Fatalf("ErrorExists after write: exists=%v err=%v", exists, err)
	}
}

func TestLoggerWithNilStoresIsANoOp(t *testing.T) {
	l := &Logger{}
	if err := l.LogInput(context.Background(), doc.New("a", nil)); err != nil {
		t.Fatalf("LogInput with nil store: %v", err)
	}
	if _, err := l.LogOutput(context.Background(), doc.New("a", nil)); err != nil {
		t.Fatalf("LogOutput with nil store: %v", err)
	}
	if err := l.LogError(context.Background(), doc.New("a", nil)); err != nil {
		t.Fatalf("LogError with nil store: %v", err)
	}
}
