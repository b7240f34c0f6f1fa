// Package telemetry centralizes structured logging and metrics for the
// transport multiplexer. Every bearer subsystem logs through a logrus
// logger built by NewLogger rather than calling fmt.Println directly, so log lines
// carry component/bearer/peer fields a core-side aggregator can filter on.
package telemetry

import (
	"github.com/sirupsen/logrus"
)

// NewLogger returns a logrus logger configured the way this repo expects:
// text output for local runs, one line per event, component tagged via
// WithField so callers never repeat it. Text (not JSON) matches what a
// developer staring at a terminal during a BLE pairing session wants; the
// core process can still ship these lines wherever it likes since logrus
// hooks are composable.
func NewLogger(component string) *logrus.Entry {
	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	return base.WithField("component", component)
}

// WithPeer is a small convenience so call sites read as
// telemetry.WithPeer(log, peerID).Warn("...") instead of repeating
// WithField("peer_id", ...) everywhere.
func WithPeer(log *logrus.Entry, peerID string) *logrus.Entry {
	return log.WithField("peer_id", peerID)
}

// WithBearer tags a log entry with the bearer it concerns.
func WithBearer(log *logrus.Entry, bearer string) *logrus.Entry {
	return log.WithField("bearer", bearer)
}
