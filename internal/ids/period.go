package ids

import "time"

// Period returns the YYYYMM integer bucket for a millisecond timestamp, the
// "epoch" unit spec.md §2/§4.A partitions by. Grounded on the teacher's
// epochWindow (services/ledger/internal/ingest/kafka.go) which also buckets
// readings into a monotonic index derived from a time window.
func Period(tMillis int64) int {
	t := time.UnixMilli(tMillis).UTC()
	return t.Year()*100 + int(t.Month())
}

// StartOfMonth returns the millisecond timestamp of 00:00:00.000 UTC on the
// first day of the month containing tMillis.
func StartOfMonth(tMillis int64) int64 {
	t := time.UnixMilli(tMillis).UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start.UnixMilli()
}

// EndOfMonth returns the millisecond timestamp of the last instant (in
// millisecond resolution) of the month containing tMillis.
func EndOfMonth(tMillis int64) int64 {
	t := time.UnixMilli(tMillis).UTC()
	firstNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return firstNext.UnixMilli() - 1
}
