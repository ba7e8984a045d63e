package shadow

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
)

type fakeWriter struct {
	mu  sync.Mutex
	got []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDisabledPublisherPublishIsNoOp(t *testing.T) {
	p, err := New(Config{Enabled: false}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Publish(context.Background(), doc.New("id1", nil)) // must not panic or block
}

func TestPublishBeforeStartDrops(t *testing.T) {
	w := &fakeWriter{}
	p, err := newWithWriter(Config{Enabled: true, Topic: "t", Brokers: []string{"b"}}, discardLogger(), w)
	if err != nil {
		t.Fatalf("newWithWriter: %v", err)
	}
	p.Publish(context.Background(), doc.New("id1", nil))
	if w.count() != 0 {
		t.Fatalf("expected Publish before Start to be dropped, got %d delivered", w.count())
	}
}

func TestPublishDeliversAfterStart(t *testing.T) {
	w := &fakeWriter{}
	p, err := newWithWriter(Config{Enabled: true, Topic: "t", Brokers: []string{"b"}}, discardLogger(), w)
	if err != nil {
		t.Fatalf("newWithWriter: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Publish(context.Background(), doc.New("id1", map[string]any{"total": 1.0}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w.count() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if w.count() != 1 {
		t.Fatalf("expected 1 delivered message, got %d", w.count())
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
