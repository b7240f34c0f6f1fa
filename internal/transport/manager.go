package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"

	"scmesh.dev/transport/internal/corehost"
	"scmesh.dev/transport/internal/telemetry"
	"scmesh.dev/transport/internal/transport/ble"
	"scmesh.dev/transport/internal/transport/wifiaware"
	"scmesh.dev/transport/internal/transport/wifidirect"
)

// priorityOrder is the fixed, total cascade order of SPEC_FULL.md §4.1:
// Wi-Fi Aware beats Wi-Fi Direct beats BLE.
var priorityOrder = []corehost.Bearer{corehost.BearerWifiAware, corehost.BearerWifiDirect, corehost.BearerBLE}

// Manager is the TransportManager of SPEC_FULL.md §4.1: the single entry
// point the mesh core uses to reach BLE, Wi-Fi Aware, and Wi-Fi Direct.
// Grounded on bitchat's BluetoothMeshService orchestrator
// (internal/bluetooth/mesh_service.go), generalized from one bearer to
// three behind a priority cascade.
type Manager struct {
	host        corehost.PlatformHost
	sink        corehost.CoreSink
	cfg         *Config
	metrics     *telemetry.Metrics
	log         *logrus.Entry
	identitySeed []byte
	rotateIdentity func() []byte

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	bearers map[corehost.Bearer]Bearer

	cache  *PeerTransportCache
	active *ActiveTransports
}

// New constructs an uninitialized Manager. Call Initialize before
// StartAll. rotateIdentity supplies a fresh identity token on each
// privacy-rotation tick; identitySeed is the token advertised from the
// first Start.
func New(host corehost.PlatformHost, sink corehost.CoreSink, cfg *Config, metrics *telemetry.Metrics, identitySeed []byte, rotateIdentity func() []byte) *Manager {
	return &Manager{
		host:           host,
		sink:           sink,
		cfg:            cfg,
		metrics:        metrics,
		log:            telemetry.NewLogger("manager"),
		identitySeed:   identitySeed,
		rotateIdentity: rotateIdentity,
		bearers:        make(map[corehost.Bearer]Bearer),
		cache:          NewPeerTransportCache(),
		active:         NewActiveTransports(),
	}
}

// SetBearerForTest injects a Bearer implementation directly, bypassing
// Initialize's real-adapter construction. Exported for package-external
// tests that exercise the cascade/escalation logic against fakes; not
// part of the spec's required surface.
func (m *Manager) SetBearerForTest(tag corehost.Bearer, bearer Bearer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bearers[tag] = bearer
}

// Initialize constructs the enabled bearer subsystems. A failure to
// construct any one bearer is isolated and logged; the manager stays
// partially functional with whichever bearers did construct.
func (m *Manager) Initialize(bleEnabled, awareEnabled, directEnabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bleEnabled {
		adapter, err := api.GetDefaultAdapter()
		if err != nil {
			m.log.WithError(err).Warn("ble: no default adapter, bearer disabled")
		} else {
			app, err := gatt.NewApplication(gatt.ApplicationConfig{})
			if err != nil {
				m.log.WithError(err).Warn("ble: gatt application setup failed, bearer disabled")
			} else {
				bearer, err := ble.NewBearer(m.host, adapter, app, m.rotateIdentity, m.onBLEPeerDiscovered, m.onBLEDataReceived, m.onBLEIdentityReceived)
				if err != nil {
					m.log.WithError(err).Warn("ble: bearer construction failed, bearer disabled")
				} else {
					if len(m.identitySeed) > 0 {
						if err := bearer.SetIdentitySeed(m.identitySeed); err != nil {
							m.log.WithError(err).Warn("ble: identity seed rejected")
						}
					}
					m.bearers[corehost.BearerBLE] = bearer
				}
			}
		}
	}

	if awareEnabled {
		m.bearers[corehost.BearerWifiAware] = wifiaware.New(m.host, m.onAwarePeerDiscovered, m.onAwareDataReceived)
	}

	if directEnabled {
		m.bearers[corehost.BearerWifiDirect] = wifidirect.New(m.host, m.onDirectPeerDiscovered, m.onDirectDataReceived)
	}

	return nil
}

func (m *Manager) onBLEPeerDiscovered(peerID string) {
	m.active.Set(corehost.BearerBLE, true)
	m.sink.OnPeerDiscovered(peerID, corehost.BearerBLE)

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx != nil {
		go m.attemptEscalation(ctx, peerID)
	}
}

func (m *Manager) onBLEDataReceived(peerID string, frame []byte) {
	m.metrics.FramesReceived.WithLabelValues(corehost.BearerBLE.String()).Inc()
	m.sink.OnDataReceived(peerID, frame, corehost.BearerBLE, corehost.FrameKindMessage)
}

// onBLEIdentityReceived delivers bytes read off the Identity characteristic,
// tagged FrameKindIdentity regardless of whether the core can parse them —
// the Open Question decision in SPEC_FULL.md is that this layer never
// drops them, only tags them.
func (m *Manager) onBLEIdentityReceived(peerID string, frame []byte) {
	m.metrics.FramesReceived.WithLabelValues(corehost.BearerBLE.String()).Inc()
	m.sink.OnDataReceived(peerID, frame, corehost.BearerBLE, corehost.FrameKindIdentity)
}

func (m *Manager) onAwarePeerDiscovered(peerID string) {
	m.active.Set(corehost.BearerWifiAware, true)
	m.sink.OnPeerDiscovered(peerID, corehost.BearerWifiAware)
}

func (m *Manager) onAwareDataReceived(peerID string, frame []byte) {
	m.metrics.FramesReceived.WithLabelValues(corehost.BearerWifiAware.String()).Inc()
	m.sink.OnDataReceived(peerID, frame, corehost.BearerWifiAware, corehost.FrameKindMessage)
}

func (m *Manager) onDirectPeerDiscovered(peerID string) {
	m.active.Set(corehost.BearerWifiDirect, true)
	m.sink.OnPeerDiscovered(peerID, corehost.BearerWifiDirect)
}

func (m *Manager) onDirectDataReceived(peerID string, frame []byte) {
	m.metrics.FramesReceived.WithLabelValues(corehost.BearerWifiDirect.String()).Inc()
	m.sink.OnDataReceived(peerID, frame, corehost.BearerWifiDirect, corehost.FrameKindMessage)
}

// bearerOf returns the Bearer implementation registered for tag, or nil
// if that bearer was never constructed.
func (m *Manager) bearerOf(tag corehost.Bearer) Bearer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bearers[tag]
}

// StartAll brings up every constructed bearer. Idempotent.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	runCtx := m.ctx
	m.mu.Unlock()

	var firstErr error
	for _, tag := range priorityOrder {
		bearer := m.bearerOf(tag)
		if bearer == nil {
			continue
		}
		if err := bearer.Start(runCtx); err != nil {
			m.log.WithError(err).WithField("bearer", tag.String()).Warn("bearer start failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("transport: start %s: %w", tag, err)
			}
			continue
		}
		m.active.Set(tag, true)
	}
	return firstErr
}

// StopAll idempotently tears down every bearer, clearing ActiveTransports
// and PeerTransportCache as SPEC_FULL.md §4.1 requires.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var firstErr error
	for _, tag := range priorityOrder {
		bearer := m.bearerOf(tag)
		if bearer == nil {
			continue
		}
		if err := bearer.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transport: stop %s: %w", tag, err)
		}
	}

	m.active.Clear()
	m.cache.Clear()
	return firstErr
}

// Send implements the priority cascade: cached bearer first (if it is still
// active), then the fixed WiFi Aware > Wi-Fi Direct > BLE order among
// active bearers.
func (m *Manager) Send(peerID string, frame []byte) bool {
	if tag, ok := m.cache.Get(peerID); ok && m.active.IsOn(tag) {
		if m.sendVia(tag, peerID, frame) {
			m.cache.RecordSuccess(peerID, tag)
			return true
		}
		m.cache.RecordFailure(peerID)
	}

	for _, tag := range priorityOrder {
		if !m.active.IsOn(tag) {
			continue
		}
		if m.sendVia(tag, peerID, frame) {
			m.cache.RecordSuccess(peerID, tag)
			return true
		}
	}
	return false
}

func (m *Manager) sendVia(tag corehost.Bearer, peerID string, frame []byte) bool {
	bearer := m.bearerOf(tag)
	if bearer == nil {
		return false
	}
	ok := bearer.Send(peerID, frame)
	outcome := "success"
	if !ok {
		outcome = "failure"
		m.metrics.SendFailures.WithLabelValues(tag.String()).Inc()
	}
	m.metrics.FramesSent.WithLabelValues(tag.String(), outcome).Inc()
	return ok
}

// Enable marks bearer active without starting it; used when a bearer was
// constructed but held off (e.g. by power mode).
func (m *Manager) Enable(tag corehost.Bearer) {
	m.active.Set(tag, true)
}

// Disable marks bearer inactive; the cascade will skip it until re-enabled.
func (m *Manager) Disable(tag corehost.Bearer) {
	m.active.Set(tag, false)
}

// AvailableTransports returns every bearer currently marked on, for the
// core's auto-adjust engine.
func (m *Manager) AvailableTransports() []corehost.Bearer {
	return m.active.Snapshot()
}

// AttemptEscalation is exported so a BLE peer-discovered event (or a test)
// can trigger it directly in addition to the automatic scheduling done in
// onBLEPeerDiscovered.
func (m *Manager) AttemptEscalation(ctx context.Context, peerID string) {
	m.attemptEscalation(ctx, peerID)
}

// Cleanup releases every resource any constructed bearer holds, whether
// or not StartAll ever ran.
func (m *Manager) Cleanup() error {
	var firstErr error
	for _, tag := range priorityOrder {
		bearer := m.bearerOf(tag)
		if bearer == nil {
			continue
		}
		if err := bearer.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetPowerMode logs a power-mode change (SPEC_FULL.md, "Supplemented
// features" §1). Not part of the spec's required surface. It does not
// change any bearer's timing: the BLE scanner's duty cycle and the
// Aware/Direct discovery loops keep the constants they started with.
func (m *Manager) SetPowerMode(mode PowerMode) {
	m.log.WithField("power_mode", mode.String()).Info("power mode changed")
}
