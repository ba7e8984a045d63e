package doc

import (
	"encoding/json"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	d := New("k/org-1/t/0000001700000000000", map[string]any{"total": 3.0})
	d.Rev = "r1"
	d.ProcessedID = "0000001700000000000"
	d.Processed = 1700000000000

	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Doc
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != d.ID || got.Rev != d.Rev || got.ProcessedID != d.ProcessedID || got.Processed != d.Processed {
		t.Fatalf("round trip envelope mismatch: got %+v, want %+v", got, d)
	}
	if total, ok := got.Get("total"); !ok || total.(float64) != 3.0 {
		t.Fatalf("round trip payload mismatch: got %v", got.Fields)
	}
}

func TestCloneDoesNotAliasFields(t *testing.T) {
	d := New("id1", map[string]any{"usage": 1.0})
	cp := d.Clone()
	cp.Set("usage", 2.0)
	if v, _ := d.Get("usage"); v.(float64) != 1.0 {
		t.Fatalf("mutating the clone's fields leaked into the original: %v", v)
	}
}

func TestHasError(t *testing.T) {
	d := Doc{}
	if _, ok := d.HasError(); ok {
		t.Fatalf("doc with no error field should report HasError=false")
	}
	d.Set("error", "slack")
	reason, ok := d.HasError()
	if !ok || reason != "slack" {
		t.Fatalf("HasError = (%v, %v), want (\"slack\", true)", reason, ok)
	}
}

func TestUnmarshalSplitsEnvelopeFromPayload(t *testing.T) {
	raw := []byte(`{"id":"x","_rev":"r2","processed":5,"org":"o1"}`)
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if d.ID != "x" || d.Rev != "r2" || d.Processed != 5 {
		t.Fatalf("envelope fields not extracted: %+v", d)
	}
	if _, ok := d.Get("id"); ok {
		t.Fatalf("envelope field \"id\" should not remain in payload Fields")
	}
	if org, ok := d.Get("org"); !ok || org != "o1" {
		t.Fatalf("payload field \"org\" not preserved: %+v", d.Fields)
	}
}
