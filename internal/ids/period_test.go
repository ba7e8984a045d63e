package ids

import "testing"

func TestPeriod(t *testing.T) {
	// 2023-11-14T22:13:20Z
	got := Period(1700000000000)
	if got != 202311 {
		t.Fatalf("Period = %d, want 202311", got)
	}
}

func TestStartEndOfMonthBound(t *testing.T) {
	mid := int64(1700000000000)
	start := StartOfMonth(mid)
	end := EndOfMonth(mid)
	if !(start <= mid && mid <= end) {
		t.Fatalf("expected start <= mid <= end, got start=%d mid=%d end=%d", start, mid, end)
	}
	if Period(start) != Period(mid) || Period(end) != Period(mid) {
		t.Fatalf("start/end of month must stay within the same period as mid")
	}
	if start == end {
		t.Fatalf("start and end of month should differ")
	}
}

func TestEndOfMonthHandlesDecember(t *testing.T) {
	// 2023-12-15T00:00:00Z
	dec := int64(1702598400000)
	end := EndOfMonth(dec)
	if Period(end) != 202312 {
		t.Fatalf("EndOfMonth of a December timestamp rolled into %d", Period(end))
	}
}
