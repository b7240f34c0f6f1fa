package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/sirupsen/logrus"

	"scmesh.dev/transport/internal/telemetry"
	"scmesh.dev/transport/pkg/ring"
)

// Scanner duty-cycles a BLE scan for ServiceUUID, deduplicates
// advertisements within a short TTL, and raises peer-discovered events at
// most once per window. Grounded on bitchat's
// LinuxBluetoothAdapter.StartScanning (internal/bluetooth/linux_adapter.go),
// which already uses api.Discover + adapter.NewDiscoveryFilter; this layer
// adds the dedup cache and duty cycle the teacher's version lacked.
type Scanner struct {
	adapter *adapter.Adapter1
	dedup   *ring.ExpiringSet
	log     *logrus.Entry

	onPeerDiscovered func(remoteID string)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewScanner constructs a Scanner bound to the given BlueZ adapter. The
// callback fires at most once per peer per ScannerDedupTTL window.
func NewScanner(a *adapter.Adapter1, onPeerDiscovered func(remoteID string)) *Scanner {
	return &Scanner{
		adapter:          a,
		dedup:            ring.NewExpiringSet(ScannerDedupTTL, ScannerDedupTTL),
		log:              telemetry.WithBearer(telemetry.NewLogger("ble.scanner"), "ble"),
		onPeerDiscovered: onPeerDiscovered,
	}
}

// Start begins duty-cycled scanning. Idempotent.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	filter.UUIDs = []string{ServiceUUID}
	if err := s.adapter.SetDiscoveryFilter(filter.ToMap()); err != nil {
		return fmt.Errorf("ble: set discovery filter: %w", err)
	}

	discovery, cancelDiscover, err := api.Discover(s.adapter, nil)
	if err != nil {
		return fmt.Errorf("ble: start discovery: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	go s.dutyCycle(runCtx, discovery, cancelDiscover)

	return nil
}

// dutyCycle alternates scan windows and idle intervals per
// SPEC_FULL.md §4.2.1, processing discovery events only while the window
// is open.
func (s *Scanner) dutyCycle(ctx context.Context, discovery chan adapter.DeviceDiscovered, cancelDiscover func()) {
	defer cancelDiscover()

	for {
		if s.runWindow(ctx, discovery, ScanWindowForeground) {
			return
		}
		if s.idle(ctx, ScanIntervalForeground) {
			return
		}
	}
}

// runWindow processes discovery events for duration or until ctx is
// cancelled, whichever comes first. Returns true if ctx ended the loop.
func (s *Scanner) runWindow(ctx context.Context, discovery chan adapter.DeviceDiscovered, duration time.Duration) bool {
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-deadline.C:
			return false
		case ev, ok := <-discovery:
			if !ok {
				return true
			}
			s.handleEvent(ev)
		}
	}
}

// idle waits out the gap between scan windows. Returns true if ctx ended
// the wait.
func (s *Scanner) idle(ctx context.Context, duration time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(duration):
		return false
	}
}

func (s *Scanner) handleEvent(ev adapter.DeviceDiscovered) {
	if ev.Type == adapter.DeviceRemoved {
		return
	}
	if ev.Type != adapter.DeviceAdded {
		return
	}

	dev, err := device.NewDevice1(ev.Path)
	if err != nil {
		s.log.WithError(err).Debug("failed to bind discovered device object")
		return
	}

	uuids, err := dev.GetUUIDs()
	if err != nil || !containsUUID(uuids, ServiceUUID) {
		return
	}

	addr, err := dev.GetAddress()
	if err != nil {
		return
	}

	if s.dedup.Add(addr) && s.onPeerDiscovered != nil {
		s.onPeerDiscovered(addr)
	}
}

// Stop cancels the duty cycle and the underlying discovery.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err := s.adapter.StopDiscovery(); err != nil {
		s.running = false
		return fmt.Errorf("ble: stop discovery: %w", err)
	}
	s.running = false
	s.dedup.Stop()
	return nil
}

func containsUUID(uuids []string, target string) bool {
	for _, u := range uuids {
		if u == target {
			return true
		}
	}
	return false
}
