// Package httpapi is the HTTP router component spec.md §1 calls an external
// collaborator ("the HTTP router that exposes REST verbs over the
// pipeline") -- out of the core's scope, but SPEC_FULL.md's ambient stack
// still wants a concrete, wired surface so the engine is actually
// reachable, built the way the teacher wires its own REST surfaces.
//
// Grounded on services/mape/execute/internal/api/router.go (gorilla/mux
// route table) and services/mape/execute/main.go (gorilla/handlers request
// logging middleware wrapping the router).
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/engine"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/metrics"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

// Server wires an engine.Engine to an HTTP router per spec.md §6.
type Server struct {
	Engine *engine.Engine
	Config pipeline.Config
	Log    *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Router builds the mux.Router and wraps it with request-id and access-log
// middleware, the way services/mape/execute/main.go wraps its router with
// handlers.LoggingHandler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)

	if s.Config.Input.Post != "" {
		r.HandleFunc(s.Config.Input.Post, s.postInput).Methods(http.MethodPost)
	}
	if s.Config.Input.Get != "" {
		r.HandleFunc(s.Config.Input.Get, s.getInput).Methods(http.MethodGet)
	}
	if s.Config.Output.Get != "" {
		r.HandleFunc(s.Config.Output.Get, s.getOutput).Methods(http.MethodGet)
	}
	if s.Config.Error.Get != "" {
		r.HandleFunc(s.Config.Error.Get, s.getErrors).Methods(http.MethodGet)
	}
	if s.Config.Error.Delete != "" {
		r.HandleFunc(s.Config.Error.Delete, s.deleteError).Methods(http.MethodDelete)
	}

	return handlers.LoggingHandler(logWriter{s.logger()}, withRequestID(r))
}

// logWriter adapts slog to the io.Writer handlers.LoggingHandler expects
// for its Apache Common Log Format output.
type logWriter struct{ log *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Info("http_access", slog.String("line", string(p)))
	return len(p), nil
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		rw.Header().Set("X-Request-Id", id)
		next.ServeHTTP(rw, req)
	})
}

// health probes every store this engine has configured with a cheap
// one-row range scan, the way the teacher's Server.health calls
// st.Verify() and reports degraded rather than crashing on a storage
// problem (services/ledger/internal/api/http.go).
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stores := map[string]store.DocStore{
		"input":  s.Engine.Input,
		"output": s.Engine.Output,
		"errors": s.Engine.Errors,
	}
	for name, st := range stores {
		if st == nil {
			continue
		}
		if _, err := st.AllDocs(r.Context(), store.AllDocsOptions{Limit: 1}); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "degraded", "store": name, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.Render()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) postInput(w http.ResponseWriter, r *http.Request) {
	var d doc.Doc
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, s.logger(), &engine.PlayError{Status: http.StatusBadRequest, Kind: engine.KindValidation, Cause: err})
		return
	}
	auth := r.Header.Get("Authorization")
	res, err := s.Engine.Play(r.Context(), d, auth)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}
	k, kerr := s.Config.Input.Key(res.Doc, auth)
	t, terr := s.Config.Input.Time(res.Doc)
	if kerr == nil && terr == nil {
		w.Header().Set("Location", locationFor(s.Config.Input.Get, k, t))
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(res.Doc)
}

func (s *Server) getInput(w http.ResponseWriter, r *http.Request) {
	k, t, ok := pathKT(r)
	if !ok {
		writeError(w, s.logger(), &engine.PlayError{Status: http.StatusBadRequest, Kind: engine.KindValidation})
		return
	}
	d, err := s.Engine.GetInput(r.Context(), k, t)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}
	_ = json.NewEncoder(w).Encode(d)
}

func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	k, t, ok := pathKT(r)
	if !ok {
		writeError(w, s.logger(), &engine.PlayError{Status: http.StatusBadRequest, Kind: engine.KindValidation})
		return
	}
	d, err := s.Engine.GetOutput(r.Context(), k, t)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}
	_ = json.NewEncoder(w).Encode(d)
}

func (s *Server) getErrors(w http.ResponseWriter, r *http.Request) {
	tstart, err1 := strconv.ParseInt(r.URL.Query().Get("tstart"), 10, 64)
	tend, err2 := strconv.ParseInt(r.URL.Query().Get("tend"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, s.logger(), &engine.PlayError{Status: http.StatusBadRequest, Kind: engine.KindValidation})
		return
	}
	rows, err := s.Engine.GetErrors(r.Context(), tstart, tend)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) deleteError(w http.ResponseWriter, r *http.Request) {
	k, t, ok := pathKT(r)
	if !ok {
		writeError(w, s.logger(), &engine.PlayError{Status: http.StatusBadRequest, Kind: engine.KindValidation})
		return
	}
	caller := r.Header.Get("X-Caller-Identity")
	if caller == "" {
		caller = "unknown"
	}
	if err := s.Engine.DeleteError(r.Context(), k, t, caller); err != nil {
		writeError(w, s.logger(), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func pathKT(r *http.Request) (string, int64, bool) {
	vars := mux.Vars(r)
	k := vars["key"]
	t, err := strconv.ParseInt(vars["time"], 10, 64)
	if k == "" || err != nil {
		return "", 0, false
	}
	return k, t, true
}

// locationFor fills the configured get-path template's {key}/{time}
// placeholders, since spec.md §9 models get paths as plain configured
// strings rather than named mux routes.
func locationFor(template, k string, t int64) string {
	out := make([]byte, 0, len(template)+len(k)+20)
	i := 0
	for i < len(template) {
		switch {
		case hasPrefixAt(template, i, "{key}"):
			out = append(out, k...)
			i += len("{key}")
		case hasPrefixAt(template, i, "{time}"):
			out = append(out, strconv.FormatInt(t, 10)...)
			i += len("{time}")
		default:
			out = append(out, template[i])
			i++
		}
	}
	return string(out)
}

func hasPrefixAt(s string, i int, prefix string) bool {
	return i+len(prefix) <= len(s) && s[i:i+len(prefix)] == prefix
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var perr *engine.PlayError
	status := http.StatusInternalServerError
	body := map[string]any{"error": "internal"}
	if errors.As(err, &perr) {
		status = perr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		body = map[string]any{"error": string(perr.Kind)}
		if perr.Reason != nil {
			body["reason"] = perr.Reason
		}
	} else {
		log.Error("unhandled_http_error", slog.Any("err", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
