package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pithecene-io/coco/types"
)

func TestInitEndpoint(t *testing.T) {
	m := New()
	m.InitEndpoint("status")

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("status")); got != 0 {
		t.Errorf("requests = %v, want 0 series present", got)
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("status")); got != 0 {
		t.Errorf("dropped = %v, want 0 series present", got)
	}
}

func TestObserveCall(t *testing.T) {
	m := New()
	host := types.Host{Hostname: "rcv1", Port: 12048}
	m.ObserveCall("status", host, 200, 0.05)
	m.ObserveCall("status", host, 200, 0.07)
	m.ObserveCall("status", host, 0, 1.0)

	ok := testutil.ToFloat64(m.Calls.WithLabelValues("status", "rcv1", "12048", "200"))
	if ok != 2 {
		t.Errorf("calls{status=200} = %v, want 2", ok)
	}
	failed := testutil.ToFloat64(m.Calls.WithLabelValues("status", "rcv1", "12048", "0"))
	if failed != 1 {
		t.Errorf("calls{status=0} = %v, want 1", failed)
	}
	if n := testutil.CollectAndCount(m.ResponseTime); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestQueueLength(t *testing.T) {
	m := New()
	m.QueueLength.Set(7)
	if got := testutil.ToFloat64(m.QueueLength); got != 7 {
		t.Errorf("queue length = %v, want 7", got)
	}
}
