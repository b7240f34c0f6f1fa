package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"

	"scmesh.dev/transport/internal/telemetry"
)

// ClientState is the per-session state machine of SPEC_FULL.md §4.2.7.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateDiscoveringServices
	StateConnected
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// errPoolFull is returned by Connect when MaxConnectionPool peripherals are
// already connected.
var errPoolFull = fmt.Errorf("ble: connection pool at capacity (%d)", MaxConnectionPool)

// session tracks one connected (or connecting) peripheral.
type session struct {
	dev       *device.Device1
	state     ClientState
	queue     *WriteQueue
	mtu       int
	cancelRef context.CancelFunc
}

// GattClient connects to discovered peripherals, negotiates MTU, reads the
// Identity characteristic (with the two scheduled refreshes), subscribes
// to Message notifications, and writes fragments through a per-peripheral
// WriteQueue. Grounded on bitchat's connectToDevice
// (internal/bluetooth/linux_adapter.go), generalized with the state
// machine and identity refresh schedule the teacher's stub lacked.
type GattClient struct {
	log *logrus.Entry

	onDataReceived     func(peerID string, frame []byte)
	onIdentityReceived func(peerID string, frame []byte)

	mu          sync.Mutex
	sessions    map[string]*session
	reassembler *Reassembler
}

// NewGattClient constructs an empty client pool. onDataReceived delivers
// reassembled Message-characteristic frames; onIdentityReceived delivers
// raw Identity-characteristic reads, kept separate so the manager can tag
// the two corehost.FrameKind values correctly (SPEC_FULL.md Open Question
// decision: unparseable Identity bytes still reach the core, tagged
// FrameKindIdentity rather than FrameKindMessage).
func NewGattClient(onDataReceived func(peerID string, frame []byte), onIdentityReceived func(peerID string, frame []byte)) *GattClient {
	return &GattClient{
		log:                telemetry.WithBearer(telemetry.NewLogger("ble.gattclient"), "ble"),
		onDataReceived:     onDataReceived,
		onIdentityReceived: onIdentityReceived,
		sessions:           make(map[string]*session),
		reassembler:        NewReassembler(),
	}
}

// Connect dials dev, negotiates MTU, discovers services, and — if the mesh
// service is present — subscribes to notifications and schedules the two
// Identity refresh reads. Rejects new connections once the pool is full.
func (c *GattClient) Connect(ctx context.Context, peerID string, dev *device.Device1) error {
	c.mu.Lock()
	if len(c.sessions) >= MaxConnectionPool {
		c.mu.Unlock()
		return errPoolFull
	}
	if _, exists := c.sessions[peerID]; exists {
		c.mu.Unlock()
		return nil
	}
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{dev: dev, state: StateConnecting, queue: NewWriteQueue(), cancelRef: cancel}
	c.sessions[peerID] = sess
	c.mu.Unlock()

	log := telemetry.WithPeer(c.log, peerID)

	if err := dev.Connect(); err != nil {
		c.mu.Lock()
		delete(c.sessions, peerID)
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("ble: connect to %s: %w", peerID, err)
	}

	// BlueZ negotiates the ATT MTU transparently per-connection; we read the
	// value the stack granted and fall back to the MaxMTU ceiling when the
	// property is unavailable.
	negotiated, err := dev.GetProperty("MTU")
	mtu := MaxMTU
	if err == nil {
		if v, ok := negotiated.(uint16); ok && int(v) > 0 {
			mtu = int(v)
		}
	} else {
		log.WithError(err).Debug("MTU property unavailable, using default ceiling")
	}

	c.mu.Lock()
	sess.mtu = mtu
	c.mu.Unlock()
	c.transition(peerID, StateDiscoveringServices)

	uuids, err := dev.GetUUIDs()
	if err != nil || !containsUUID(uuids, ServiceUUID) {
		log.Warn("peripheral does not advertise the mesh service, disconnecting")
		c.Disconnect(peerID)
		return fmt.Errorf("ble: mesh service not found on %s", peerID)
	}
	c.transition(peerID, StateConnected)

	if err := c.subscribeMessages(peerID, dev); err != nil {
		log.WithError(err).Warn("failed to subscribe to message notifications")
	}

	identityChar, err := dev.GetCharByUUID(IdentityCharacteristicUUID)
	if err == nil {
		c.readIdentity(peerID, identityChar)
		c.scheduleIdentityRefresh(sessCtx, peerID, identityChar)
	}

	return nil
}

// subscribeMessages enables notifications on the Message characteristic
// and starts a watcher that reassembles each notified fragment, delivering
// the completed frame to onDataReceived (SPEC_FULL.md §4.2.5).
func (c *GattClient) subscribeMessages(peerID string, dev *device.Device1) error {
	char, err := dev.GetCharByUUID(MessageCharacteristicUUID)
	if err != nil {
		return fmt.Errorf("ble: message characteristic not found: %w", err)
	}
	if err := char.StartNotify(); err != nil {
		return fmt.Errorf("ble: start notify on message characteristic: %w", err)
	}
	c.watchMessages(peerID, char)
	return nil
}

// watchMessages drains the Message characteristic's Value property-change
// stream on its own goroutine for the life of the session.
func (c *GattClient) watchMessages(peerID string, char *gatt.GattCharacteristic1) {
	changes, err := char.WatchProperties()
	if err != nil {
		telemetry.WithPeer(c.log, peerID).WithError(err).Warn("failed to watch message notifications")
		return
	}
	go func() {
		for update := range changes {
			if update == nil || update.Name != "Value" {
				continue
			}
			fragment, ok := update.Value.([]byte)
			if !ok {
				continue
			}
			c.mu.Lock()
			frame, complete := c.reassembler.Accept(peerID, fragment)
			c.mu.Unlock()
			if complete && c.onDataReceived != nil {
				c.onDataReceived(peerID, frame)
			}
		}
	}()
}

func (c *GattClient) readIdentity(peerID string, char *gatt.GattCharacteristic1) {
	data, err := char.ReadValue(nil)
	if err != nil {
		telemetry.WithPeer(c.log, peerID).WithError(err).Debug("identity read failed")
		return
	}
	if c.onIdentityReceived != nil {
		c.onIdentityReceived(peerID, data)
	}
}

// scheduleIdentityRefresh issues the two refresh reads at T+900ms and
// T+2200ms after service discovery, per SPEC_FULL.md §4.2.1/§4.2.5, only
// if the session is still connected when each fires.
func (c *GattClient) scheduleIdentityRefresh(ctx context.Context, peerID string, char *gatt.GattCharacteristic1) {
	for _, delay := range []time.Duration{IdentityRefreshDelay1, IdentityRefreshDelay2} {
		delay := delay
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if c.stateOf(peerID) != StateConnected {
				return
			}
			c.readIdentity(peerID, char)
		}()
	}
}

func (c *GattClient) stateOf(peerID string) ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[peerID]
	if !ok {
		return StateDisconnected
	}
	return sess.state
}

func (c *GattClient) transition(peerID string, state ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[peerID]; ok {
		sess.state = state
	}
}

// Write enqueues fragments for frame and writes the first one immediately
// if nothing is in flight for this peripheral. Returns false if no session
// is connected.
func (c *GattClient) Write(peerID string, frame []byte) bool {
	c.mu.Lock()
	sess, ok := c.sessions[peerID]
	c.mu.Unlock()
	if !ok || sess.state != StateConnected {
		return false
	}

	fragments, err := Fragment(frame, sess.mtu)
	if err != nil {
		telemetry.WithPeer(c.log, peerID).WithError(err).Warn("failed to fragment outbound frame")
		return false
	}

	for _, fragment := range fragments {
		next, shouldWrite := sess.queue.Enqueue(fragment)
		if shouldWrite {
			c.performWrite(peerID, sess, next)
		}
	}
	return true
}

func (c *GattClient) performWrite(peerID string, sess *session, fragment []byte) {
	char, err := sess.dev.GetCharByUUID(MessageCharacteristicUUID)
	success := err == nil
	if success {
		success = char.WriteValue(fragment, nil) == nil
	}

	next, shouldWrite := sess.queue.CompleteWrite(success)
	if !success {
		telemetry.WithPeer(c.log, peerID).Warn("fragment write failed, abandoning queue")
		return
	}
	if shouldWrite {
		c.performWrite(peerID, sess, next)
	}
}

// Disconnect tears down one peripheral session, releasing the OS handle
// and removing it from the connection pool. Idempotent.
func (c *GattClient) Disconnect(peerID string) {
	c.mu.Lock()
	sess, ok := c.sessions[peerID]
	if ok {
		delete(c.sessions, peerID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if sess.cancelRef != nil {
		sess.cancelRef()
	}
	sess.dev.Disconnect()
	c.reassembler.Discard(peerID)
}

// PoolSize reports the number of tracked sessions (any state).
func (c *GattClient) PoolSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Stop disconnects every tracked peripheral. Crash-safe: failures to
// disconnect one peripheral don't stop the rest from being released.
func (c *GattClient) Stop() {
	c.mu.Lock()
	peers := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		peers = append(peers, id)
	}
	c.mu.Unlock()

	for _, id := range peers {
		c.Disconnect(id)
	}
}
