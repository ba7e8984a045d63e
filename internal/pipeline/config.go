// Package pipeline holds the configuration record described in spec.md §9
// ("Dynamic `options` object passed throughout") made explicit: a single
// struct with the enumerated input/output/sink/error sections and the
// callback signatures the reduce engine, sink router/poster, and logger
// are built against.
//
// This mirrors the teacher's habit of collecting runtime knobs into one
// validated Config value threaded through constructors rather than reached
// for via package state (services/ledger/internal/config.go,
// circuit_breaker/properties.go's Config).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
)

// KeyFunc derives a key string from a document and caller authentication.
type KeyFunc func(payload doc.Doc, auth string) (string, error)

// TimeFunc derives a millisecond timestamp from a document.
type TimeFunc func(payload doc.Doc) (int64, error)

// GroupsFunc derives the group identifiers an input document reduces
// under; spec.md §4.F groups calls by igroups[0].
type GroupsFunc func(payload doc.Doc) ([]string, error)

// KeysFunc derives one key per output/sink slot for a document.
type KeysFunc func(payload doc.Doc) ([]string, error)

// TimesFunc derives one time bucket per output/sink slot for a document.
type TimesFunc func(payload doc.Doc) ([]int64, error)

// AccumSlot is one entry in the accumulator array a reducer folds over:
// the current state for one output slot, plus whether any prior
// accumulator exists for it at all (the "seed the fold with undefined"
// edge case from spec.md §4.F).
type AccumSlot struct {
	Doc doc.Doc
	Has bool
}

// ReducerFunc is the user-supplied fold step from spec.md §4.F step 3. It
// is called once per input document in a group batch with the previous
// round's slot array (log.last) and returns the next round's slot array,
// aligned with the batch's okeys/otimes.
type ReducerFunc func(accums []AccumSlot, input doc.Doc) ([]doc.Doc, error)

// AuthProvider returns the bearer token attached to outbound sink
// requests; spec.md §6/§9 calls this out as an external
// collaborator (OAuth token acquisition is out of scope), so this is
// deliberately just a function signature, not an implementation.
type AuthProvider func(ctx context.Context) (string, error)

// InputConfig is spec.md §9's `input` section.
type InputConfig struct {
	Type           string
	DBName         string
	Post           string
	Get            string
	Key            KeyFunc
	Time           TimeFunc
	Groups         GroupsFunc
	Dedupe         bool
	Authentication AuthProvider
}

// OutputConfig is spec.md §9's `output` section.
type OutputConfig struct {
	Type   string
	DBName string
	Get    string
	Keys   KeysFunc
	Times  TimesFunc
}

// SinkConfig is spec.md §9's `sink` section.
type SinkConfig struct {
	Host           string
	Apps           int
	Posts          string
	Keys           KeysFunc
	Times          TimesFunc
	Authentication AuthProvider
}

// ErrorConfig is spec.md §9's `error` section.
type ErrorConfig struct {
	DBName string
	Get    string
	Delete string
	Key    KeyFunc
	Time   TimeFunc
}

// Config is the full dynamic options record, assembled once at startup and
// passed by value/pointer to every component that needs it -- no
// process-wide mutable state (spec.md §9).
type Config struct {
	Input   InputConfig
	Output  OutputConfig
	Sink    SinkConfig
	Error   ErrorConfig
	Reducer ReducerFunc
}

// Validate checks the callbacks and required fields a complete pipeline
// needs are present, the way circuitbreaker.Config / epoch.Epoch validate
// their own invariants before use.
func (c Config) Validate() error {
	if c.Input.Key == nil {
		return errors.New("pipeline: input.key function is required")
	}
	if c.Input.Time == nil {
		return errors.New("pipeline: input.time function is required")
	}
	if c.Input.Groups == nil {
		return errors.New("pipeline: input.groups function is required")
	}
	if c.Output.Keys == nil {
		return errors.New("pipeline: output.keys function is required")
	}
	if c.Output.Times == nil {
		return errors.New("pipeline: output.times function is required")
	}
	if c.Reducer == nil {
		return errors.New("pipeline: reducer function is required")
	}
	if c.Sink.Host != "" && strings.TrimSpace(c.Sink.Posts) == "" {
		return fmt.Errorf("pipeline: sink.posts path is required when sink.host is set")
	}
	if c.Sink.Apps < 0 {
		return fmt.Errorf("pipeline: sink.apps must be >= 0, got %d", c.Sink.Apps)
	}
	return nil
}

// HasOutputStore reports whether an output/accumulator store is
// configured; spec.md §4.F step 2/7: "if odb is not configured, step 2
// returns {} and step 7 is skipped".
func (c Config) HasOutputStore() bool {
	return strings.TrimSpace(c.Output.DBName) != ""
}

// HasErrorStore reports whether an error store is configured.
func (c Config) HasErrorStore() bool {
	return strings.TrimSpace(c.Error.DBName) != ""
}

// HasSink reports whether a downstream sink is configured.
func (c Config) HasSink() bool {
	return strings.TrimSpace(c.Sink.Host) != ""
}
