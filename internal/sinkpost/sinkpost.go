// Package sinkpost implements spec.md §4.H: POSTing finalized output docs
// to the downstream sink and classifying the response.
//
// Grounded on the teacher's breaker-wrapped HTTP client
// (circuit_breaker/httpcb.go: HTTPClient.Do running the request through
// Breaker.Execute), generalized from a single client to a pool keyed by
// resolved target URL -- spec.md §5 notes breaker state is per-target, and
// the sink router (internal/sinkrouter) can resolve different partitions of
// the same logical sink to different physical hosts.
package sinkpost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/breaker"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
)

// Error is the SinkError kind from spec.md §7: one or more posts in a call
// failed (non-409, or a disallowed 409).
type Error struct {
	Reasons []map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("sinkpost: %d post(s) failed", len(e.Reasons))
}

// Status reports the representative HTTP status for the failed call, used
// by the HTTP layer (spec.md §6) to pick a response code; it is the first
// non-2xx status observed.
func (e *Error) Status() int {
	for _, r := range e.Reasons {
		if s, ok := r["status"].(int); ok && s != 0 {
			return s
		}
	}
	return http.StatusBadGateway
}

// Poster POSTs output documents to a sink, retrying transient failures and
// breaking the circuit per resolved target.
type Poster struct {
	client  *http.Client
	retries int
	log     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

// New constructs a Poster. retries is SINK_RETRIES from spec.md §6
// (default 5).
func New(retries int, client *http.Client, log *slog.Logger) *Poster {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if retries <= 0 {
		retries = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poster{client: client, retries: retries, log: log.With(slog.String("component", "sinkpost")), breakers: make(map[string]*breaker.Breaker)}
}

func (p *Poster) breakerFor(target string) *breaker.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[target]
	if !ok {
		b = breaker.New("sink:"+target, breaker.DefaultConfig(), p.log)
		p.breakers[target] = b
	}
	return b
}

// postResult is the outcome of POSTing a single output doc.
type postResult struct {
	id      string
	status  int
	body    map[string]any
	success bool
	err     error
}

// PostAll POSTs every output in parallel to targetURL+sink.Posts (spec.md
// §4.H: "POSTs for one call's multiple outputs run in parallel") and
// returns a *Error aggregating every failure, or nil if all succeeded.
func (p *Poster) PostAll(ctx context.Context, targetURL string, outputs []doc.Doc, sink pipeline.SinkConfig, dedupeConfigured bool) error {
	if len(outputs) == 0 {
		return nil
	}
	results := make([]postResult, len(outputs))
	var wg sync.WaitGroup
	for i, out := range outputs {
		i, out := i, out
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.postOne(ctx, targetURL, out, sink, dedupeConfigured)
		}()
	}
	wg.Wait()

	var failures []map[string]any
	for _, r := range results {
		if r.success {
			continue
		}
		reason := map[string]any{"id": r.id, "status": r.status}
		for k, v := range r.body {
			reason[k] = v
		}
		if r.err != nil {
			reason["err"] = r.err.Error()
		}
		failures = append(failures, reason)
	}
	if len(failures) > 0 {
		return &Error{Reasons: failures}
	}
	return nil
}

func (p *Poster) postOne(ctx context.Context, targetURL string, out doc.Doc, sink pipeline.SinkConfig, dedupeConfigured bool) postResult {
	// Body is the output doc minus its revision field (spec.md §6 wire
	// format).
	withoutRev := out
	withoutRev.Rev = ""
	body, err := json.Marshal(withoutRev)
	if err != nil {
		return postResult{id: out.ID, success: false, err: err}
	}

	url := targetURL + sink.Posts
	brk := p.breakerFor(targetURL)

	var status int
	var respBody map[string]any
	var lastErr error

	for attempt := 0; attempt < p.retries; attempt++ {
		cbErr := brk.Execute(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if sink.Authentication != nil {
				token, err := sink.Authentication(ctx)
				if err != nil {
					return fmt.Errorf("sinkpost: authentication: %w", err)
				}
				if token != "" {
					req.Header.Set("Authorization", token)
				}
			}
			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			status = resp.StatusCode
			respBody = decodeBody(resp.Body)
			if status >= 500 {
				return fmt.Errorf("sinkpost: sink returned %d", status)
			}
			return nil
		})
		if cbErr == nil {
			break
		}
		lastErr = cbErr
		if attempt < p.retries-1 {
			time.Sleep(backoff(attempt))
		}
	}

	success, classErr := classify(status, respBody, dedupeConfigured, lastErr)
	return postResult{id: out.ID, status: status, body: respBody, success: success, err: classErr}
}

// classify implements spec.md §4.H's response classification:
//   - 201 -> success
//   - 409 with body.error == "slack" -> failure (outside dedupe window)
//   - 409 without a duplicate filter configured -> failure (collector policy)
//   - 409 otherwise -> success (benign duplicate)
//   - anything else -> failure
func classify(status int, body map[string]any, dedupeConfigured bool, callErr error) (success bool, err error) {
	switch {
	case status == http.StatusCreated:
		return true, nil
	case status == http.StatusConflict:
		if errVal, _ := body["error"].(string); errVal == "slack" {
			return false, fmt.Errorf("sinkpost: sink slack conflict")
		}
		if !dedupeConfigured {
			return false, fmt.Errorf("sinkpost: conflict rejected, no duplicate filter configured")
		}
		return true, nil
	default:
		if callErr != nil {
			return false, callErr
		}
		return false, fmt.Errorf("sinkpost: unexpected status %d", status)
	}
}

func decodeBody(r io.Reader) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(io.LimitReader(r, 1<<16)).Decode(&body)
	return body
}

func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
