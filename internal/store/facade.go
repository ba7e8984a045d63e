package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/breaker"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
)

// FacadeConfig tunes the batching/retry/breaker wrapping spec.md §4.B
// requires: "wrapping must be transparent to callers".
type FacadeConfig struct {
	// MaxBatchItems caps how many pending calls are coalesced into one
	// flush (spec.md §4.B: "up to ~100 items").
	MaxBatchItems int
	// MaxBatchBytes caps the approximate combined payload size of one
	// flush (spec.md §4.B: "up to ~1MB").
	MaxBatchBytes int
	// FlushInterval bounds how long a call waits for siblings to coalesce
	// with before the batch is flushed anyway.
	FlushInterval time.Duration
	// RetryAttempts is the number of attempts (including the first) made
	// per underlying call before giving up.
	RetryAttempts int
	// RetryBackoff is the base delay between retry attempts (doubled each
	// attempt, matching the teacher's consumer backoff in
	// services/ledger/internal/ingest/kafka.go's zoneConsumer.run).
	RetryBackoff time.Duration
	// Breaker configures the per-facade circuit breaker.
	Breaker breaker.Config
}

// DefaultFacadeConfig matches spec.md §4.B's stated defaults.
func DefaultFacadeConfig() FacadeConfig {
	return FacadeConfig{
		MaxBatchItems: 100,
		MaxBatchBytes: 1 << 20,
		FlushInterval: 5 * time.Millisecond,
		RetryAttempts: 3,
		RetryBackoff:  50 * time.Millisecond,
		Breaker:       breaker.DefaultConfig(),
	}
}

// Facade wraps a DocStore with transparent batching, retry, and circuit
// breaking. It implements DocStore itself so callers never see the
// wrapping, per spec.md §4.B.
type Facade struct {
	inner DocStore
	cfg   FacadeConfig
	brk   *breaker.Breaker
	log   *slog.Logger

	mu      sync.Mutex
	pending []*pendingCall
	flushAt *time.Timer
}

type opKind int

const (
	opGet opKind = iota
	opPut
	opRemove
)

type pendingCall struct {
	kind opKind
	id   string
	d    doc.Doc
	size int
	done chan pendingResult
}

type pendingResult struct {
	d      doc.Doc
	exists bool
	rev    string
	err    error
}

// NewFacade wraps inner with the given config. name identifies the facade
// in logs and in the breaker's own logging, e.g. "input-db" or "output-db".
func NewFacade(name string, inner DocStore, cfg FacadeConfig, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = DefaultFacadeConfig().MaxBatchItems
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultFacadeConfig().MaxBatchBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFacadeConfig().FlushInterval
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultFacadeConfig().RetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultFacadeConfig().RetryBackoff
	}
	return &Facade{
		inner: inner,
		cfg:   cfg,
		brk:   breaker.New(name, cfg.Breaker, log),
		log:   log.With(slog.String("facade", name)),
	}
}

func (f *Facade) enqueue(c *pendingCall) {
	f.mu.Lock()
	f.pending = append(f.pending, c)
	items := len(f.pending)
	bytes := 0
	for _, p := range f.pending {
		bytes += p.size
	}
	flushNow := items >= f.cfg.MaxBatchItems || bytes >= f.cfg.MaxBatchBytes
	if flushNow {
		f.flushLocked()
		f.mu.Unlock()
		return
	}
	if f.flushAt == nil {
		f.flushAt = time.AfterFunc(f.cfg.FlushInterval, func() {
			f.mu.Lock()
			f.flushLocked()
			f.mu.Unlock()
		})
	}
	f.mu.Unlock()
}

// flushLocked must be called with f.mu held. It takes ownership of the
// pending batch and executes it off-lock.
func (f *Facade) flushLocked() {
	if f.flushAt != nil {
		f.flushAt.Stop()
		f.flushAt = nil
	}
	batch := f.pending
	f.pending = nil
	if len(batch) == 0 {
		return
	}
	go f.execBatch(batch)
}

func (f *Facade) execBatch(batch []*pendingCall) {
	f.log.Debug("facade_flush", slog.Int("items", len(batch)))
	for _, c := range batch {
		c := c
		go func() {
			c.done <- f.runOne(c)
		}()
	}
}

func (f *Facade) runOne(c *pendingCall) pendingResult {
	var res pendingResult
	ctx := context.Background()
	err := f.withRetry(ctx, func(ctx context.Context) error {
		return f.brk.Execute(ctx, func(ctx context.Context) error {
			var innerErr error
			switch c.kind {
			case opGet:
				res.d, res.exists, innerErr = f.inner.Get(ctx, c.id)
			case opPut:
				res.rev, innerErr = f.inner.Put(ctx, c.d)
			case opRemove:
				innerErr = f.inner.Remove(ctx, c.d)
			}
			return innerErr
		})
	})
	res.err = err
	return res
}

// withRetry retries op up to cfg.RetryAttempts times. Store conflicts and
// not-found errors are returned at once without a retry: a conflict is for
// the caller (the enclosing reduce batch per spec.md §4.F) to retry, not
// the facade. Every other error, breaker.ErrOpen included, is retried.
func (f *Facade) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	delay := f.cfg.RetryBackoff
	for attempt := 0; attempt < f.cfg.RetryAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if IsConflict(err) || IsNotFound(err) {
			return err
		}
		if attempt == f.cfg.RetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func approxSize(d doc.Doc) int {
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(b)
}

func (f *Facade) Get(ctx context.Context, id string) (doc.Doc, bool, error) {
	c := &pendingCall{kind: opGet, id: id, done: make(chan pendingResult, 1)}
	c.size = len(id)
	f.enqueue(c)
	select {
	case r := <-c.done:
		return r.d, r.exists, r.err
	case <-ctx.Done():
		return doc.Doc{}, false, ctx.Err()
	}
}

func (f *Facade) Put(ctx context.Context, d doc.Doc) (string, error) {
	c := &pendingCall{kind: opPut, d: d, done: make(chan pendingResult, 1)}
	c.size = approxSize(d)
	f.enqueue(c)
	select {
	case r := <-c.done:
		return r.rev, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Facade) Remove(ctx context.Context, d doc.Doc) error {
	c := &pendingCall{kind: opRemove, d: d, done: make(chan pendingResult, 1)}
	c.size = approxSize(d)
	f.enqueue(c)
	select {
	case r := <-c.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllDocs bypasses batching (range scans are already a single bulk call)
// but still goes through retry and the breaker.
func (f *Facade) AllDocs(ctx context.Context, opts AllDocsOptions) ([]doc.Doc, error) {
	var out []doc.Doc
	err := f.withRetry(ctx, func(ctx context.Context) error {
		return f.brk.Execute(ctx, func(ctx context.Context) error {
			var innerErr error
			out, innerErr = f.inner.AllDocs(ctx, opts)
			return innerErr
		})
	})
	return out, err
}
