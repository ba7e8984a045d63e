// Package shadow optionally mirrors every finalized output doc onto a
// Kafka topic for downstream fan-out consumers, a best-effort side channel
// that never gates the sink/log path described in spec.md §4.F -- it is an
// addition from SPEC_FULL.md's domain-stack expansion, not a change to the
// core pipeline's semantics.
//
// Adapted directly from the teacher's async Publisher
// (services/ledger/internal/public/publisher.go): a bounded queue drained
// by a background goroutine, Start/Stop lifecycle, and a circuit breaker
// wrapping the underlying kafka.Writer. Where the teacher publishes a
// single schema (public epochs), this generalizes to publishing arbitrary
// output docs keyed by their doc id. The Kafka partition is chosen by
// kafka-go's Hash balancer over that key, independently of the sink
// router's partitioning.
package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/breaker"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
)

// Config enables and configures the shadow publisher.
type Config struct {
	Enabled bool
	Topic   string
	Brokers []string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type publishRequest struct {
	key   []byte
	value []byte
	id    string
}

const queueSize = 256

var errNilLogger = errors.New("shadow: logger is required")

// Publisher mirrors finalized outputs to Kafka, best-effort.
type Publisher struct {
	cfg     Config
	log     *slog.Logger
	writer  messageWriter
	brk     *breaker.Breaker
	enabled bool

	queue     chan publishRequest
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// New constructs a Publisher. When cfg.Enabled is false, the returned
// Publisher's Publish calls are no-ops, mirroring the teacher's
// "public_publisher_disabled" short-circuit.
func New(cfg Config, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		return nil, errNilLogger
	}
	if !cfg.Enabled {
		log.Info("shadow_publisher_disabled")
		return &Publisher{cfg: cfg, log: log, enabled: false}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("shadow: topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("shadow: at least one broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: false,
		Balancer:               &kafka.Hash{},
	}
	return newWithWriter(cfg, log, writer)
}

func newWithWriter(cfg Config, log *slog.Logger, w messageWriter) (*Publisher, error) {
	p := &Publisher{
		cfg:     cfg,
		log:     log.With(slog.String("component", "shadow_publisher")),
		writer:  w,
		brk:     breaker.New("shadow-publisher", breaker.DefaultConfig(), log),
		enabled: cfg.Enabled,
	}
	if p.enabled {
		p.queue = make(chan publishRequest, queueSize)
	}
	return p, nil
}

// Start launches the background publishing loop.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.log.Info("shadow_publisher_started", slog.String("topic", p.cfg.Topic))
	})
	return nil
}

// Stop drains in-flight messages and shuts down.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var stopErr error
	p.stopOnce.Do(func() {
		p.started.Store(false)
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() { p.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if err := p.writer.Close(); err != nil {
			p.log.Error("shadow_publisher_close_err", slog.Any("err", err))
		}
	})
	return stopErr
}

// Publish enqueues an output doc for best-effort delivery. A full queue or
// a stopped publisher drops the message rather than blocking the reduce
// engine's hot path -- the shadow channel never gates spec.md §4.F.
func (p *Publisher) Publish(ctx context.Context, d doc.Doc) {
	if !p.enabled || !p.started.Load() {
		return
	}
	value, err := json.Marshal(d)
	if err != nil {
		p.log.Error("shadow_encode_err", slog.Any("err", err), slog.String("id", d.ID))
		return
	}
	req := publishRequest{key: []byte(d.ID), value: value, id: d.ID}
	select {
	case p.queue <- req:
	default:
		p.log.Warn("shadow_queue_full_dropped", slog.String("id", d.ID))
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			return
		case req := <-p.queue:
			p.deliver(p.runCtx, req)
		}
	}
}

func (p *Publisher) drain() {
	// runCtx is already cancelled here; deliver the backlog without it.
	ctx := context.WithoutCancel(p.runCtx)
	for {
		select {
		case req := <-p.queue:
			p.deliver(ctx, req)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, req publishRequest) {
	err := p.brk.Execute(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, kafka.Message{Key: req.key, Value: req.value})
	})
	if err != nil {
		p.log.Warn("shadow_publish_failed", slog.String("id", req.id), slog.Any("err", err))
		return
	}
	p.log.Debug("shadow_publish_ok", slog.String("id", req.id))
}
