package sinkrouter

import (
	"net/url"
	"strconv"
	"testing"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/ids"
)

func TestRouteNoPartitioningReturnsHostUnchanged(t *testing.T) {
	got, err := Route("http://sink:8080", 1)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got != "http://sink:8080" {
		t.Fatalf("Route with P<=1 = %q, want host unchanged", got)
	}
}

func TestRouteIDAddsPortOffset(t *testing.T) {
	id := ids.KTURI("org-1", 1700000000000)
	got, err := RouteID("http://sink:8080", 4, id)
	if err != nil {
		t.Fatalf("RouteID: %v", err)
	}
	port := portOf(t, got)
	if port < 8080 || port >= 8084 {
		t.Fatalf("RouteID port %d not within expected offset range [8080,8084)", port)
	}
}

func TestRouteIDIsDeterministic(t *testing.T) {
	id := ids.KTURI("org-1", 1700000000000)
	a, err1 := RouteID("http://sink:8080", 4, id)
	b, err2 := RouteID("http://sink:8080", 4, id)
	if err1 != nil || err2 != nil {
		t.Fatalf("RouteID errors: %v, %v", err1, err2)
	}
	if a != b {
		t.Fatalf("RouteID must be deterministic for the same id: %q != %q", a, b)
	}
}

func TestRouteIDVariesAcrossKeys(t *testing.T) {
	seen := map[string]bool{}
	for _, org := range []string{"org-1", "org-2", "org-3", "org-4", "org-5", "org-6"} {
		id := ids.KTURI(org, 1700000000000)
		got, err := RouteID("http://sink:8080", 4, id)
		if err != nil {
			t.Fatalf("RouteID: %v", err)
		}
		seen[got] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected RouteID to spread distinct keys across more than one target, got %v", seen)
	}
}

func TestRouteIDRewritesHostnameLabelWithoutPort(t *testing.T) {
	id := ids.KTURI("org-1", 1700000000000)
	got, err := RouteID("http://db-writer.internal", 4, id)
	if err != nil {
		t.Fatalf("RouteID: %v", err)
	}
	if got == "http://db-writer.internal" {
		t.Fatalf("expected hostname label to be rewritten with a partition suffix")
	}
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", rawURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("no numeric port in %q", rawURL)
	}
	return port
}
