// Package transport hosts the TransportManager that multiplexes BLE, Wi-Fi
// Aware, and Wi-Fi Direct behind a single send/receive surface for the
// mesh core, per SPEC_FULL.md §4.1.
package transport

import "context"

// Bearer is the capability contract every concrete bearer (BLE, Aware,
// Direct) satisfies. The manager never reaches past this interface into a
// bearer's internals, matching SPEC_FULL.md's "the manager owns selection,
// bearers own their own plumbing" split.
type Bearer interface {
	// IsAvailable reports whether this bearer can be used right now.
	IsAvailable() bool
	// Start brings the bearer up: advertising/scanning for BLE, publish and
	// subscribe for Aware/Direct.
	Start(ctx context.Context) error
	// Stop idempotently tears the bearer down.
	Stop() error
	// Send writes frame to peerID over this bearer, returning false on any
	// failure (no session, write error).
	Send(peerID string, frame []byte) bool
	// Cleanup releases every resource Start acquired; safe to call after
	// Stop or instead of it during shutdown.
	Cleanup() error
}
