// Package metrics is a minimal Prometheus-compatible registry for this
// engine's instrumentation: counters/gauges/histograms covering reduce
// throughput, sink outcomes, dedupe hits, and replay stats.
//
// Adapted from the teacher's hand-rolled registry
// (services/ledger/internal/metrics/metrics.go) -- same counter/gauge/
// histogram primitives and the same "# TYPE\n<samples>\n\n" Render shape,
// retargeted from ledger-matching metrics to reduce-pipeline metrics.
// github.com/prometheus/client_golang is not used here: the only copy of it
// in the example pack is a hand-vendored stub behind a replace directive in
// services/assessment/third_party, not a real fetchable module (see
// DESIGN.md), so the teacher's own registry is the grounded choice.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

type counterVec struct {
	mu     sync.RWMutex
	values map[string]uint64
}

func newCounterVec() *counterVec { return &counterVec{values: make(map[string]uint64)} }

func (c *counterVec) inc(label string) {
	c.mu.Lock()
	c.values[label]++
	c.mu.Unlock()
}

func (c *counterVec) snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

type gauge struct {
	mu    sync.Mutex
	value float64
}

func newGauge() *gauge { return &gauge{} }

func (g *gauge) set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *gauge) snapshot() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

type histogram struct {
	mu      sync.RWMutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(bucketEdges []float64) *histogram {
	sorted := append([]float64(nil), bucketEdges...)
	sort.Float64s(sorted)
	return &histogram{buckets: sorted, counts: make([]uint64, len(sorted))}
}

func (h *histogram) observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	h.mu.Lock()
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
		}
	}
	h.count++
	h.sum += v
	h.mu.Unlock()
}

func (h *histogram) snapshot() (buckets []float64, counts []uint64, sum float64, count uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buckets = append([]float64(nil), h.buckets...)
	counts = append([]uint64(nil), h.counts...)
	sum, count = h.sum, h.count
	return
}

var (
	playTotal         = newCounterVec() // label: outcome (ok|duplicate|error)
	sinkPostTotal     = newCounterVec() // label: outcome (ok|error)
	dedupeHitTotal    = newCounter()
	reduceLatency     = newHistogram([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5})
	groupLockQueue    = newGauge()
	replayedTotal     = newCounter()
	replayFailedTotal = newCounter()
)

type counter struct {
	mu    sync.Mutex
	value uint64
}

func newCounter() *counter { return &counter{} }

func (c *counter) inc() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

func (c *counter) snapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// IncPlay records the outcome of one play() call.
func IncPlay(outcome string) { playTotal.inc(strings.TrimSpace(outcome)) }

// IncSinkPost records the classified outcome of one sink POST.
func IncSinkPost(outcome string) { sinkPostTotal.inc(strings.TrimSpace(outcome)) }

// IncDedupeHit records an input rejected as a duplicate once the input
// store has confirmed it.
func IncDedupeHit() { dedupeHitTotal.inc() }

// ObserveReduceLatency records, in seconds, the time spent inside one
// ReduceGroup call (lock acquisition through sink/log completion).
func ObserveReduceLatency(seconds float64) {
	if seconds < 0 {
		return
	}
	reduceLatency.observe(seconds)
}

// SetGroupLockQueueDepth records how many group keys currently have a lock
// holder or a waiter across the process.
func SetGroupLockQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	groupLockQueue.set(float64(depth))
}

// IncReplayed/IncReplayFailed accumulate the replay driver's {replayed,
// failed} counters (spec.md §4.J step 4) across runs.
func IncReplayed() { replayedTotal.inc() }
func IncReplayFailed() { replayFailedTotal.inc() }

// Render builds the Prometheus text exposition for all registered metrics.
func Render() string {
	var b strings.Builder

	writeMetricHeader(&b, "reduce_play_total", "counter")
	writeCounter(&b, "reduce_play_total", "outcome", playTotal.snapshot())
	b.WriteByte('\n')

	writeMetricHeader(&b, "reduce_sink_post_total", "counter")
	writeCounter(&b, "reduce_sink_post_total", "outcome", sinkPostTotal.snapshot())
	b.WriteByte('\n')

	writeMetricHeader(&b, "reduce_dedupe_hit_total", "counter")
	writeSimpleCounter(&b, "reduce_dedupe_hit_total", dedupeHitTotal.snapshot())
	b.WriteByte('\n')

	writeMetricHeader(&b, "reduce_group_latency_seconds", "histogram")
	writeHistogram(&b, "reduce_group_latency_seconds", reduceLatency)
	b.WriteByte('\n')

	writeMetricHeader(&b, "reduce_group_lock_queue_depth", "gauge")
	writeGauge(&b, "reduce_group_lock_queue_depth", groupLockQueue.snapshot())
	b.WriteByte('\n')

	writeMetricHeader(&b, "reduce_replay_total", "counter")
	writeSimpleCounter(&b, "reduce_replay_total", replayedTotal.snapshot())
	b.WriteByte('\n')

	writeMetricHeader(&b, "reduce_replay_failed_total", "counter")
	writeSimpleCounter(&b, "reduce_replay_failed_total", replayFailedTotal.snapshot())
	b.WriteByte('\n')

	return b.String()
}

func writeMetricHeader(b *strings.Builder, name, typ string) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(typ)
	b.WriteByte('\n')
}

func writeCounter(b *strings.Builder, name, label string, values map[string]uint64) {
	if len(values) == 0 {
		fmt.Fprintf(b, "%s{} %d\n", name, 0)
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, escapeLabel(k), values[k])
	}
}

func writeSimpleCounter(b *strings.Builder, name string, value uint64) {
	fmt.Fprintf(b, "%s{} %d\n", name, value)
}

func writeGauge(b *strings.Builder, name string, value float64) {
	fmt.Fprintf(b, "%s %g\n", name, value)
}

func writeHistogram(b *strings.Builder, name string, h *histogram) {
	buckets, counts, sum, count := h.snapshot()
	if len(buckets) == 0 {
		fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, count)
		fmt.Fprintf(b, "%s_sum %f\n", name, sum)
		fmt.Fprintf(b, "%s_count %d\n", name, count)
		return
	}
	var cumulative uint64
	for i, upper := range buckets {
		cumulative += counts[i]
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, upper, cumulative)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, count)
	fmt.Fprintf(b, "%s_sum %f\n", name, sum)
	fmt.Fprintf(b, "%s_count %d\n", name, count)
}

func escapeLabel(v string) string {
	replacer := strings.NewReplacer("\\", "\\\\", "\n", "\\n", "\"", "\\\"")
	return replacer.Replace(v)
}
