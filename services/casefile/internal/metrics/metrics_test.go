package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Transition("sign", "ok")
	c.Transition("sign", "ok")
	c.ArchiveItem("uploaded", "placeholder")
	c.Fetched("")
	c.ArchiveAssembled(250 * time.Millisecond)

	if got := testutil.ToFloat64(c.transitions.WithLabelValues("sign", "ok")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(c.fetchStrategy.WithLabelValues("none")); got != 1 {
		t.Fatalf("expected failed fetch under none, got %v", got)
	}
	if n := testutil.CollectAndCount(c); n == 0 {
		t.Fatalf("expected collected metrics")
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Transition("sign", "ok")
	c.ArchiveItem("generated", "ok")
	c.ArchiveAssembled(time.Second)
	c.Fetched("direct_url")
}
