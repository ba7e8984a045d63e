// Package sinkrouter implements spec.md §4.G: computing the target sink URL
// for an output id from a configured sink host and partition count.
//
// Grounded on the teacher's host/topic templating idioms: topic_validation.go's
// strings.ReplaceAll template substitution and publisher.go's
// resolveBalancer, both of which turn a small config (template/strategy)
// into a concrete per-message target.
package sinkrouter

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/ids"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/partition"
)

// Route computes the sink URL from a host and partition count alone, with
// no output id:
//   - if partitions <= 1, return host unchanged
//   - otherwise route as RouteID does for an empty id, which always selects
//     partition p = 0: an explicit port becomes port + 0, and a host
//     without a port has its leftmost label rewritten to label + "-0"
func Route(host string, partitions int) (string, error) {
	if partitions <= 1 {
		return host, nil
	}
	return RouteID(host, partitions, "")
}

// RouteID computes the sink URL using an output id to derive the
// (key, time) pair the partitioner routes on. id may be empty if the
// caller only has a host+partition count (e.g. probing).
//
// Routing must be deterministic per key (the same output id always lands
// on the same sink target), so this selects by partition.SingleDB's
// bucket-modulo destination directly rather than partition.RoundRobinByOp,
// which balances across destinations by hashing the *operation* name --
// right for spreading load-balanced writes across interchangeable shards,
// wrong here since it would route every output to the same partition
// regardless of key.
func RouteID(host string, partitions int, id string) (string, error) {
	if partitions <= 1 {
		return host, nil
	}
	var bucket int
	var tMillis int64
	if id != "" {
		k, t, err := ids.DecodeKTURI(id)
		if err != nil {
			return "", fmt.Errorf("sinkrouter: decode id %q: %w", id, err)
		}
		bucket = partition.Bucket(k)
		tMillis = t
	}
	dests := partition.SingleDB(partitions)(bucket, tMillis, partitions)
	if len(dests) == 0 {
		return "", fmt.Errorf("sinkrouter: forward produced no destinations")
	}
	return applyPartition(host, dests[0].Partition)
}

func applyPartition(host string, p int) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("sinkrouter: invalid sink host %q: %w", host, err)
	}
	hostPort := u.Host
	if hostPort == "" {
		// host was given without a scheme (e.g. "db-writer:8080" or a bare
		// hostname); treat the whole string as host[:port].
		hostPort = u.Path
		u.Path = ""
	}
	hostname, port, hasPort := splitHostPort(hostPort)
	if hasPort {
		portNum, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("sinkrouter: invalid port in %q: %w", host, err)
		}
		newHostPort := net.JoinHostPort(hostname, strconv.Itoa(portNum+p))
		return rebuild(u, newHostPort), nil
	}
	labels := strings.SplitN(hostname, ".", 2)
	labels[0] = fmt.Sprintf("%s-%d", labels[0], p)
	newHost := labels[0]
	if len(labels) > 1 {
		newHost = labels[0] + "." + labels[1]
	}
	return rebuild(u, newHost), nil
}

func splitHostPort(hostPort string) (host, port string, hasPort bool) {
	h, p, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort, "", false
	}
	return h, p, true
}

func rebuild(u *url.URL, hostPort string) string {
	if u.Scheme == "" && u.Host == "" {
		return hostPort
	}
	cp := *u
	cp.Host = hostPort
	return cp.String()
}
