package transport

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"scmesh.dev/transport/internal/corehost"
	"scmesh.dev/transport/internal/telemetry"
)

// TestAttemptEscalationMarksAvailableBearersActive covers SPEC_FULL.md §8
// scenario 4: a BLE discovery of peer Z fires attempt_escalation, which
// marks Wi-Fi Aware active if the platform reports it available, without
// opening any data-path socket itself (fakeBearer.Start is never called
// here).
func TestAttemptEscalationMarksAvailableBearersActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	m := New(nil, &fakeSink{}, &Config{}, metrics, nil, nil)

	aware := &fakeBearer{available: true}
	direct := &fakeBearer{available: false}
	m.SetBearerForTest(corehost.BearerWifiAware, aware)
	m.SetBearerForTest(corehost.BearerWifiDirect, direct)

	if m.active.IsOn(corehost.BearerWifiAware) {
		t.Fatalf("expected Aware inactive before escalation")
	}

	m.attemptEscalation(context.Background(), "peerZ")

	if !m.active.IsOn(corehost.BearerWifiAware) {
		t.Fatalf("expected escalation to mark Aware active since it reports available")
	}
	if m.active.IsOn(corehost.BearerWifiDirect) {
		t.Fatalf("expected Direct to stay inactive since it reports unavailable")
	}
	if aware.started {
		t.Fatalf("escalation must not open a data-path itself; Start should not be called")
	}
}
