// Package partition implements spec.md §4.A: mapping a (bucket, period, op)
// triple to a list of (partition, epoch) destinations for storage and sink
// routing.
//
// The shape is ported from the teacher's Partitioner/KeyMode enums
// (services/ledger/internal/public/epoch.go, internal/config.go) which
// choose a Kafka balancer and message key from a small closed set of
// strategies; here the same "named strategy resolved to a function" idiom
// picks a forward/balance function instead of a kafka.Balancer.
package partition

import (
	"fmt"
	"hash/fnv"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/ids"
)

// Dest is one (partition, epoch) destination returned by a forward
// function.
type Dest struct {
	Partition int
	Epoch     int
}

// Forward maps a bucket and a millisecond time to the n destinations an
// operation should be sent to or read from.
type Forward func(bucket int, tMillis int64, n int) []Dest

// Balance picks a single destination out of a Forward's results for the
// given operation name, the same way the teacher's publisher picks one
// Kafka partition for a key via its configured balancer.
type Balance func(dests []Dest, op string) Dest

// Bucket hashes an arbitrary string key into a non-negative integer bucket,
// mirroring spec.md §4.A's "bucket -> integer".
func Bucket(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	v := int(h.Sum32())
	if v < 0 {
		v = -v
	}
	return v
}

// NoPartition is the "N=1" short-circuit from spec.md §4.A: a single
// partition, single epoch destination regardless of bucket or time.
func NoPartition(_ int, tMillis int64, _ int) []Dest {
	return []Dest{{Partition: 0, Epoch: ids.Period(tMillis)}}
}

// SingleDB returns the "single-db" partitioner: one partition per app
// instance (selected by bucket modulo instanceCount), epoch bucketed per
// month. The sink router routes output ids through it.
func SingleDB(instanceCount int) Forward {
	if instanceCount < 1 {
		instanceCount = 1
	}
	return func(bucket int, tMillis int64, _ int) []Dest {
		return []Dest{{Partition: bucket % instanceCount, Epoch: ids.Period(tMillis)}}
	}
}

// ForwardN returns a forward function over n shards: n destinations,
// one per partition 0..n-1, all sharing the same month epoch.
func ForwardN(n int) Forward {
	if n < 1 {
		n = 1
	}
	return func(_ int, tMillis int64, reqN int) []Dest {
		count := n
		if reqN > 0 && reqN < n {
			count = reqN
		}
		epoch := ids.Period(tMillis)
		dests := make([]Dest, count)
		for i := 0; i < count; i++ {
			dests[i] = Dest{Partition: i, Epoch: epoch}
		}
		return dests
	}
}

// RoundRobinByOp balances across a Forward's destinations by hashing the op
// name, giving deterministic (not time-varying) routing for a given
// (dests, op) pair. The choice depends only on the op, not on the key the
// destinations were computed for.
func RoundRobinByOp(dests []Dest, op string) Dest {
	if len(dests) == 0 {
		return Dest{}
	}
	idx := Bucket(op) % len(dests)
	return dests[idx]
}

// Route is the composed "forward(n) then balance" operation spec.md §4.A
// calls out: compute destinations for bucket/time over n slots, then pick
// one for op.
func Route(fwd Forward, bal Balance, bucket int, tMillis int64, n int, op string) (Dest, error) {
	if fwd == nil {
		return Dest{}, fmt.Errorf("partition: nil forward function")
	}
	dests := fwd(bucket, tMillis, n)
	if len(dests) == 0 {
		return Dest{}, fmt.Errorf("partition: forward produced no destinations")
	}
	if bal == nil {
		bal = RoundRobinByOp
	}
	return bal(dests, op), nil
}
