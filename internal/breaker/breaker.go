// Package breaker implements a small per-target circuit breaker, adapted
// from the teacher's circuit_breaker module (circuit_breaker/circuitbreaker.go,
// httpcb.go, kafkacb.go). Each store facade (spec.md §4.B) holds one
// Breaker for the store it wraps and the sink poster (§4.H) keeps one
// Breaker per resolved sink target, so a sustained run of failures against
// one store or one sink host fails fast instead of piling up latency,
// while other targets stay unaffected.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker fast-fails a call without
// attempting the operation.
var ErrOpen = errors.New("breaker: circuit open, fast-fail")

// Config holds the breaker's tunables, the same fields as the teacher's
// circuitbreaker.Config loaded from a .properties file
// (circuit_breaker/properties.go), minus the file-loading mechanics: this
// system threads configuration in via pipeline.Config / env (spec.md §9),
// not ad hoc property files.
type Config struct {
	// MaxFailures is the number of consecutive failures before the breaker
	// opens.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe call through.
	ResetTimeout time.Duration
}

// DefaultConfig matches the teacher's properties.go defaults.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, ResetTimeout: 30 * time.Second}
}

// Breaker is a per-target circuit breaker guarding calls to op functions.
type Breaker struct {
	name string
	cfg  Config
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	recentFails int
	openedAt    time.Time
}

// New constructs a Breaker. A nil logger falls back to slog.Default(), the
// same guard the teacher's publisher.go uses for its own logger parameter.
func New(name string, cfg Config, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	b := &Breaker{name: name, cfg: cfg, log: log.With(slog.String("breaker", name)), state: Closed}
	b.log.Info("breaker_created", slog.Int("maxFailures", cfg.MaxFailures), slog.String("resetTimeout", cfg.ResetTimeout.String()))
	return b
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op if the breaker allows it, tracking the result. When the
// breaker is Open and the reset timeout has not elapsed, it fast-fails with
// ErrOpen; once elapsed it lets exactly one call through as a half-open
// probe, closing again on success or re-opening on failure.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	if state == HalfOpen {
		b.mu.Unlock()
		b.log.Warn("breaker_fast_fail", slog.String("reason", "half-open probe in flight"))
		return ErrOpen
	}
	if state == Open {
		if time.Since(openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			b.log.Warn("breaker_fast_fail", slog.String("since_open", time.Since(openedAt).String()))
			return ErrOpen
		}
		b.state = HalfOpen
		b.log.Info("breaker_half_open_probe")
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state != Closed {
			b.log.Info("breaker_closed", slog.String("from", b.state.String()))
		}
		b.state = Closed
		b.recentFails = 0
		return nil
	}

	b.recentFails++
	b.log.Warn("breaker_op_failed", slog.Int("consecutive_failures", b.recentFails), slog.Any("err", err))
	if b.state == HalfOpen || b.recentFails >= b.cfg.MaxFailures {
		if b.state != Open {
			b.log.Error("breaker_opened", slog.Int("maxFailures", b.cfg.MaxFailures))
		}
		b.state = Open
		b.openedAt = time.Now()
	}
	return err
}
