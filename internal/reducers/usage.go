// Package reducers provides the default reduce-pipeline wiring this
// binary ships with: a simple usage-summing accumulator, grounded on
// spec.md §8 scenario 1's literal example ({usage, org, t} in, {total} out).
// A real deployment supplies its own pipeline.Config; this package exists
// so cmd/reduced is runnable out of the box, the way the teacher's mape
// binary ships runnable default plan/threshold wiring
// (services/mape/internal/plan/plan.go) rather than requiring every knob to
// be supplied externally.
package reducers

import (
	"fmt"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/doc"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
)

// UsageKey derives the organization id from the payload's "org" field.
func UsageKey(payload doc.Doc, _ string) (string, error) {
	org, ok := payload.Get("org")
	if !ok {
		return "", fmt.Errorf("reducers: usage doc missing \"org\"")
	}
	s, ok := org.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("reducers: \"org\" must be a non-empty string")
	}
	return s, nil
}

// UsageTime derives the event time from the payload's "t" field.
func UsageTime(payload doc.Doc) (int64, error) {
	return numberField(payload, "t")
}

// UsageGroups groups by organization: all usage for one org reduces
// serially against the same accumulator.
func UsageGroups(payload doc.Doc) ([]string, error) {
	org, err := UsageKey(payload, "")
	if err != nil {
		return nil, err
	}
	return []string{org}, nil
}

// UsageOutputKeys/UsageOutputTimes place the single output slot at the
// same (org, t) the input arrived under.
func UsageOutputKeys(payload doc.Doc) ([]string, error) {
	k, err := UsageKey(payload, "")
	if err != nil {
		return nil, err
	}
	return []string{k}, nil
}

func UsageOutputTimes(payload doc.Doc) ([]int64, error) {
	t, err := UsageTime(payload)
	if err != nil {
		return nil, err
	}
	return []int64{t}, nil
}

// SumReducer implements spec.md §4.F step 3/§8 scenario 1: fold each
// input's "usage" field into a running "total" per output slot.
func SumReducer(accums []pipeline.AccumSlot, input doc.Doc) ([]doc.Doc, error) {
	usage, ok := numberValue(input, "usage")
	if !ok {
		return nil, fmt.Errorf("reducers: usage doc missing numeric \"usage\"")
	}
	out := make([]doc.Doc, len(accums))
	for i, acc := range accums {
		total := usage
		if acc.Has {
			if prior, ok := numberValue(acc.Doc, "total"); ok {
				total += prior
			}
		}
		d := doc.Doc{}
		d.Set("total", total)
		out[i] = d
	}
	return out, nil
}

func numberField(payload doc.Doc, field string) (int64, error) {
	v, ok := payload.Get(field)
	if !ok {
		return 0, fmt.Errorf("reducers: missing %q", field)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("reducers: %q is not numeric", field)
	}
}

func numberValue(d doc.Doc, field string) (float64, bool) {
	v, ok := d.Get(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
