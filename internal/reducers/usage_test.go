package reducers

import (
	"testing"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
)

func TestUsageKeyRequiresOrg(t *testing.T) {
	if _, err := UsageKey(doc.New("", nil), ""); err == nil {
		t.Fatalf("expected an error with no \"org\" field")
	}
	k, err := UsageKey(doc.New("", map[string]any{"org": "orgA"}), "")
	if err != nil || k != "orgA" {
		t.Fatalf("UsageKey = (%q, %v), want (\"orgA\", nil)", k, err)
	}
}

func TestUsageTimeRequiresNumericT(t *testing.T) {
	if _, err := UsageTime(doc.New("", map[string]any{"t": "not-a-number"})); err == nil {
		t.Fatalf("expected an error with a non-numeric \"t\"")
	}
	tv, err := UsageTime(doc.New("", map[string]any{"t": 1700000000000.0}))
	if err != nil || tv != 1700000000000 {
		t.Fatalf("UsageTime = (%d, %v), want (1700000000000, nil)", tv, err)
	}
}

func TestSumReducerSeedsFromZeroWhenNoPriorAccumulator(t *testing.T) {
	input := doc.New("", map[string]any{"usage": 5.0})
	out, err := SumReducer([]pipeline.AccumSlot{{}}, input)
	if err != nil {
		t.Fatalf("SumReducer: %v", err)
	}
	total, _ := out[0].Get("total")
	if total != 5.0 {
		t.Fatalf("total = %v, want 5.0", total)
	}
}

func TestSumReducerAddsToPriorAccumulator(t *testing.T) {
	input := doc.New("", map[string]any{"usage": 3.0})
	prior := doc.New("k/orgA/t/0000001700000000000", map[string]any{"total": 5.0})
	out, err := SumReducer([]pipeline.AccumSlot{{Doc: prior, Has: true}}, input)
	if err != nil {
		t.Fatalf("SumReducer: %v", err)
	}
	total, _ := out[0].Get("total")
	if total != 8.0 {
		t.Fatalf("total = %v, want 8.0 (5+3)", total)
	}
}

func TestSumReducerRejectsMissingUsage(t *testing.T) {
	if _, err := SumReducer([]pipeline.AccumSlot{{}}, doc.New("", nil)); err == nil {
		t.Fatalf("expected an error with no \"usage\" field")
	}
}
