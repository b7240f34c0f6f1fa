package transport

import (
	"context"

	"scmesh.dev/transport/internal/corehost"
)

// attemptEscalation is the routine SPEC_FULL.md §4.1 schedules whenever
// BLE reports a peer-discovered event. It opportunistically marks Wi-Fi
// Aware and/or Wi-Fi Direct active if the platform reports them
// available; it never opens a data-path socket itself — that remains
// each bearer's own discovery callback's job.
func (m *Manager) attemptEscalation(ctx context.Context, peerID string) {
	if b := m.bearerOf(corehost.BearerWifiAware); b != nil && b.IsAvailable() {
		m.active.Set(corehost.BearerWifiAware, true)
	}
	if b := m.bearerOf(corehost.BearerWifiDirect); b != nil && b.IsAvailable() {
		m.active.Set(corehost.BearerWifiDirect, true)
	}
	m.metrics.EscalationAttempt.Inc()
}
