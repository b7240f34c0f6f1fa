package transport

import (
	"context"
	"sync"
	"testing"

	"scmesh.dev/transport/internal/corehost"
	"scmesh.dev/transport/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeBearer is a scriptable Bearer used to exercise Manager's cascade and
// escalation logic without a real adapter.
type fakeBearer struct {
	mu        sync.Mutex
	available bool
	started   bool
	sendFunc  func(peerID string, frame []byte) bool
	sendLog   []string
}

func (f *fakeBearer) IsAvailable() bool { return f.available }

func (f *fakeBearer) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeBearer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeBearer) Cleanup() error { return nil }

func (f *fakeBearer) Send(peerID string, frame []byte) bool {
	f.mu.Lock()
	f.sendLog = append(f.sendLog, peerID)
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(peerID, frame)
	}
	return true
}

type fakeSink struct {
	mu       sync.Mutex
	peers    []string
	received int
}

func (s *fakeSink) OnPeerDiscovered(peerID string, bearer corehost.Bearer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, peerID)
}

func (s *fakeSink) OnDataReceived(peerID string, frame []byte, bearer corehost.Bearer, kind corehost.FrameKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
}

func newTestManager() *Manager {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	return New(nil, &fakeSink{}, &Config{}, metrics, nil, nil)
}

func TestManagerSendPrefersCachedBearer(t *testing.T) {
	m := newTestManager()

	aware := &fakeBearer{available: true}
	ble := &fakeBearer{available: true}
	m.SetBearerForTest(corehost.BearerWifiAware, aware)
	m.SetBearerForTest(corehost.BearerBLE, ble)
	m.active.Set(corehost.BearerWifiAware, true)
	m.active.Set(corehost.BearerBLE, true)

	m.cache.RecordSuccess("peerZ", corehost.BearerBLE)

	if !m.Send("peerZ", []byte("hi")) {
		t.Fatalf("expected send to succeed")
	}
	if len(ble.sendLog) != 1 {
		t.Fatalf("expected cached BLE bearer to be tried, got log %v", ble.sendLog)
	}
	if len(aware.sendLog) != 0 {
		t.Fatalf("expected cascade not to touch Aware when cache hits, got log %v", aware.sendLog)
	}
}

func TestManagerSendFallsThroughPriorityOrder(t *testing.T) {
	m := newTestManager()

	aware := &fakeBearer{available: true, sendFunc: func(string, []byte) bool { return false }}
	direct := &fakeBearer{available: true, sendFunc: func(string, []byte) bool { return false }}
	bleBearer := &fakeBearer{available: true, sendFunc: func(string, []byte) bool { return true }}

	m.SetBearerForTest(corehost.BearerWifiAware, aware)
	m.SetBearerForTest(corehost.BearerWifiDirect, direct)
	m.SetBearerForTest(corehost.BearerBLE, bleBearer)
	m.active.Set(corehost.BearerWifiAware, true)
	m.active.Set(corehost.BearerWifiDirect, true)
	m.active.Set(corehost.BearerBLE, true)

	if !m.Send("peerQ", []byte("hi")) {
		t.Fatalf("expected send to eventually succeed via BLE")
	}
	bearer, ok := m.cache.Get("peerQ")
	if !ok || bearer != corehost.BearerBLE {
		t.Fatalf("expected cache to record BLE as the winning bearer, got %v ok=%v", bearer, ok)
	}
	if len(aware.sendLog) != 1 || len(direct.sendLog) != 1 || len(bleBearer.sendLog) != 1 {
		t.Fatalf("expected exactly one attempt per bearer in priority order")
	}
}

func TestManagerSendSkipsInactiveBearers(t *testing.T) {
	m := newTestManager()

	aware := &fakeBearer{available: true}
	bleBearer := &fakeBearer{available: true}
	m.SetBearerForTest(corehost.BearerWifiAware, aware)
	m.SetBearerForTest(corehost.BearerBLE, bleBearer)
	// Aware is constructed but not marked active.
	m.active.Set(corehost.BearerBLE, true)

	if !m.Send("peerR", []byte("hi")) {
		t.Fatalf("expected send to succeed via the only active bearer")
	}
	if len(aware.sendLog) != 0 {
		t.Fatalf("expected inactive Aware bearer to be skipped entirely")
	}
}

func TestManagerSendReturnsFalseWhenAllBearersFail(t *testing.T) {
	m := newTestManager()

	bleBearer := &fakeBearer{available: true, sendFunc: func(string, []byte) bool { return false }}
	m.SetBearerForTest(corehost.BearerBLE, bleBearer)
	m.active.Set(corehost.BearerBLE, true)

	if m.Send("peerS", []byte("hi")) {
		t.Fatalf("expected send to fail when every bearer fails")
	}
	if _, ok := m.cache.Get("peerS"); ok {
		t.Fatalf("expected no cache entry after total failure")
	}
}

func TestManagerStopAllClearsCacheAndActiveTransports(t *testing.T) {
	m := newTestManager()
	bleBearer := &fakeBearer{available: true}
	m.SetBearerForTest(corehost.BearerBLE, bleBearer)
	m.active.Set(corehost.BearerBLE, true)
	m.cache.RecordSuccess("peerT", corehost.BearerBLE)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll returned error: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll returned error: %v", err)
	}

	if _, ok := m.cache.Get("peerT"); ok {
		t.Fatalf("expected stop_all to clear the peer transport cache")
	}
	if len(m.AvailableTransports()) != 0 {
		t.Fatalf("expected stop_all to clear active transports")
	}

	// Idempotent: calling again must not error or panic.
	if err := m.StopAll(); err != nil {
		t.Fatalf("second StopAll returned error: %v", err)
	}
}

func TestManagerEnableDisable(t *testing.T) {
	m := newTestManager()
	m.Enable(corehost.BearerBLE)
	if !m.active.IsOn(corehost.BearerBLE) {
		t.Fatalf("expected Enable to mark bearer active")
	}
	m.Disable(corehost.BearerBLE)
	if m.active.IsOn(corehost.BearerBLE) {
		t.Fatalf("expected Disable to mark bearer inactive")
	}
}
