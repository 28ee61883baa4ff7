package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Applied("push", "robot")
	m.Dropped("push", "unknown_id")
	m.SetConnectionState("CONNECTED", []string{"CONNECTED"})
	m.ObserveBackend("list_robots", time.Millisecond, errors.New("boom"))
	if m.Registry() != nil {
		t.Fatal("nil metrics returned a registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Applied("push", "robot")
	m.Applied("push", "robot")
	m.Dropped("fast_poll", "unknown_id")
	m.SetConnectionState("CONNECTED", []string{"DISCONNECTED", "CONNECTED"})

	if got := testutil.ToFloat64(m.updatesApplied.WithLabelValues("push", "robot")); got != 2 {
		t.Fatalf("applied = %v", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("DISCONNECTED")); got != 0 {
		t.Fatalf("disconnected gauge = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "overwatch_updates_dropped_total") {
		t.Fatalf("metrics output missing dropped counter:\n%s", body)
	}
}
