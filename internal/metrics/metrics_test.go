package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetSessionState(t *testing.T) {
	all := []string{"stopped", "starting", "active", "degraded"}
	SetSessionState("active", all)

	if v := testutil.ToFloat64(SessionState.WithLabelValues("active")); v != 1 {
		t.Fatalf("expected active=1, got %v", v)
	}
	if v := testutil.ToFloat64(SessionState.WithLabelValues("stopped")); v != 0 {
		t.Fatalf("expected stopped=0, got %v", v)
	}

	SetSessionState("stopped", all)
	if v := testutil.ToFloat64(SessionState.WithLabelValues("active")); v != 0 {
		t.Fatalf("expected active=0 after switch, got %v", v)
	}
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(FixesTotal.WithLabelValues("forwarded"))
	FixesTotal.WithLabelValues("forwarded").Inc()
	if after := testutil.ToFloat64(FixesTotal.WithLabelValues("forwarded")); after != before+1 {
		t.Fatalf("expected counter increment")
	}
}
