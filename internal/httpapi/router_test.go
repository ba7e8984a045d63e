package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/dedupe"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/engine"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/grouplock"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/logstore"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/reduce"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

func TestLocationForSubstitutesPlaceholders(t *testing.T) {
	got := locationFor("/v1/metering/usage/k/{key}/t/{time}", "orgA", 1700000000000)
	want := "/v1/metering/usage/k/orgA/t/1700000000000"
	if got != want {
		t.Fatalf("locationFor = %q, want %q", got, want)
	}
}

func sumReducer(accums []pipeline.AccumSlot, input doc.Doc) ([]doc.Doc, error) {
	usage, _ := input.Get("usage")
	u, _ := usage.(float64)
	out := make([]doc.Doc, len(accums))
	for i, a := range accums {
		total := 0.0
		if a.Has {
			if v, _ := a.Doc.Get("total"); v != nil {
				total, _ = v.(float64)
			}
		}
		out[i] = doc.New("", map[string]any{"total": total + u})
	}
	return out, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	idb := store.NewMemStore()
	odb := store.NewMemStore()

	cfg := pipeline.Config{
		Input: pipeline.InputConfig{
			Post:   "/v1/usage",
			Get:    "/v1/usage/k/{key}/t/{time}",
			Key:    func(d doc.Doc, auth string) (string, error) { org, _ := d.Get("org"); return org.(string), nil },
			Time:   func(d doc.Doc) (int64, error) { tv, _ := d.Get("t"); return int64(tv.(float64)), nil },
			Groups: func(d doc.Doc) ([]string, error) { org, _ := d.Get("org"); return []string{org.(string)}, nil },
		},
		Output: pipeline.OutputConfig{
			DBName: "output",
			Get:    "/v1/output/k/{key}/t/{time}",
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
		Now:    func() time.Time { return time.UnixMilli(1700000000000) },
	}
	e := &engine.Engine{
		Config:  cfg,
		Input:   idb,
		Output:  odb,
		Dedupe:  dedupe.New(1000, time.Hour),
		Reducer: reducer,
		Logger:  &logstore.Logger{Input: idb, Output: odb},
		Now:     func() time.Time { return time.UnixMilli(1700000000000) },
	}
	srv := &Server{Engine: e, Config: cfg}
	return httptest.NewServer(srv.Router())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthzReportsBodyStatusOK(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /healthz body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v, want \"ok\"", body["status"])
	}
}

func TestMetricsRendersExpositionText(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read /metrics body: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("# TYPE reduce_play_total counter")) {
		t.Fatalf("expected /metrics body to contain the play counter header, got %q", buf.String())
	}
}

func TestPostThenGetInput(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"org": "orgA", "t": 1700000000000.0, "usage": 5.0})
	resp, err := http.Post(ts.URL+"/v1/usage", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		t.Fatalf("expected a Location header on a successful post")
	}

	getResp, err := http.Get(ts.URL + "/v1/usage/k/orgA/t/1700000000000")
	if err != nil {
		t.Fatalf("GET input: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("GET input status = %d, want 200", getResp.StatusCode)
	}
}

func TestGetInputNotFound(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/v1/usage/k/orgZ/t/1700000000000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
