// Package doc defines the document shapes that flow through the reduce
// pipeline (spec.md §3): input, output, accumulator, and error docs.
//
// The source system keeps documents as loosely-typed records (payload plus
// a handful of well-known fields); the teacher's ledger client keeps the
// same shape for upstream events it doesn't own the schema of
// (services/assessment/internal/ledger/client.go: "Payload map[string]any
// ... we keep the structure permissive to tolerate upstream changes").
// Docs here follow the same idiom: a typed envelope around a
// map[string]any payload so user-supplied reducers can read and write
// arbitrary fields while the engine only needs to know about the
// well-known ones.
package doc

import (
	"encoding/json"
	"maps"
)

// Doc is a single JSON document as stored and passed to reducers: the
// well-known envelope fields plus an arbitrary payload map.
type Doc struct {
	ID          string         `json:"id,omitempty"`
	Rev         string         `json:"_rev,omitempty"`
	ProcessedID string         `json:"processed_id,omitempty"`
	Processed   int64          `json:"processed,omitempty"`
	Fields      map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the envelope fields, the way the
// teacher's AggregatorEnvelope/Epoch types produce a single flat JSON
// object from Go fields plus a nested map (internal/public/epoch.go).
func (d Doc) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+4)
	maps.Copy(out, d.Fields)
	if d.ID != "" {
		out["id"] = d.ID
	}
	if d.Rev != "" {
		out["_rev"] = d.Rev
	}
	if d.ProcessedID != "" {
		out["processed_id"] = d.ProcessedID
	}
	if d.Processed != 0 {
		out["processed"] = d.Processed
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat JSON object back into the envelope fields and
// the remaining payload.
func (d *Doc) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Fields = raw
	if v, ok := raw["id"].(string); ok {
		d.ID = v
		delete(d.Fields, "id")
	}
	if v, ok := raw["_rev"].(string); ok {
		d.Rev = v
		delete(d.Fields, "_rev")
	}
	if v, ok := raw["processed_id"].(string); ok {
		d.ProcessedID = v
		delete(d.Fields, "processed_id")
	}
	if v, ok := raw["processed"].(float64); ok {
		d.Processed = int64(v)
		delete(d.Fields, "processed")
	}
	return nil
}

// Clone returns a deep-enough copy: the envelope plus a fresh Fields map,
// so callers (notably the reduce engine's fold, spec.md §4.F step 3) can
// mutate a copy without aliasing the original doc's map.
func (d Doc) Clone() Doc {
	cp := d
	cp.Fields = make(map[string]any, len(d.Fields))
	maps.Copy(cp.Fields, d.Fields)
	return cp
}

// Get reads a payload field.
func (d Doc) Get(key string) (any, bool) {
	if d.Fields == nil {
		return nil, false
	}
	v, ok := d.Fields[key]
	return v, ok
}

// Set writes a payload field, allocating Fields if necessary.
func (d *Doc) Set(key string, v any) {
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	d.Fields[key] = v
}

// HasError reports whether the reducer marked this doc as failed via a
// {error: ...} field, per spec.md §4.F step 5.
func (d Doc) HasError() (reason any, ok bool) {
	v, present := d.Get("error")
	if !present || v == nil {
		return nil, false
	}
	return v, true
}

// New builds a Doc from envelope fields and a payload map, cloning the map
// so the caller's copy is never aliased.
func New(id string, fields map[string]any) Doc {
	d := Doc{ID: id}
	d.Fields = make(map[string]any, len(fields))
	maps.Copy(d.Fields, fields)
	return d
}
