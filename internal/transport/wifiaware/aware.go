// Package wifiaware implements the Wi-Fi Aware bearer: attach, publish/
// subscribe under a fixed service name, and role-asymmetric data-path
// negotiation (publisher is responder, subscriber is initiator) per
// SPEC_FULL.md §4.3. No OS Wi-Fi Aware binding exists for Go, so this
// package is built against the PlatformHost seam described in
// SPEC_FULL.md's DOMAIN STACK section: discovery over mDNS
// (github.com/brutella/dnssd, already in the pack via canonical-snapd's
// go.mod) and the data path itself over a plain TCP stream through
// streamhandshake, matching the bit-exact port/timeout/role contract.
package wifiaware

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/sirupsen/logrus"

	"scmesh.dev/transport/internal/corehost"
	"scmesh.dev/transport/internal/telemetry"
	"scmesh.dev/transport/internal/transport/streamhandshake"
	"scmesh.dev/transport/pkg/ring"
)

// ServiceName is the fixed Aware service name both ends publish/subscribe
// under.
const ServiceName = "scmessenger"

// serviceType is the DNS-SD service type used to carry ServiceName;
// "_scmessenger._tcp" keeps the Aware publish name visible in the
// instance label the way the spec's "fixed service name" implies.
const serviceType = "_scmessenger._tcp.local."

// Transport is the Wi-Fi Aware bearer. Every node both publishes and
// subscribes under ServiceName at once (§4.3 step 2); role asymmetry is
// per-connection, not per-session: whichever side's subscriber discovers
// the other's publish record is the initiator, the published side is
// always the responder (§4.3/§9).
type Transport struct {
	host corehost.PlatformHost
	log  *logrus.Entry

	onPeerDiscovered func(peerID string)
	onDataReceived   func(peerID string, frame []byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	attached      bool
	connections   map[string]*streamhandshake.Connection
	pendingInit   *ring.ExpiringSet
	responder     *dnssd.Responder
	serviceHandle dnssd.ServiceHandle
	browseCancel  context.CancelFunc
}

// New constructs an unattached Transport.
func New(host corehost.PlatformHost, onPeerDiscovered func(peerID string), onDataReceived func(peerID string, frame []byte)) *Transport {
	return &Transport{
		host:             host,
		log:              telemetry.WithBearer(telemetry.NewLogger("wifiaware"), "wifi_aware"),
		onPeerDiscovered: onPeerDiscovered,
		onDataReceived:   onDataReceived,
		connections:      make(map[string]*streamhandshake.Connection),
		pendingInit:      ring.NewExpiringSet(streamhandshake.Timeout, time.Second),
	}
}

// IsAvailable reports whether Aware can be brought up right now.
func (t *Transport) IsAvailable() bool {
	return t.host.AwareAvailable(context.Background())
}

// Start attaches to the Aware service (here: mDNS), publishing this node's
// own record and accepting incoming data paths, and browsing for every
// other node's record to dial. Both roles run concurrently for the life of
// the attach cycle, per §4.3 step 2's "publish and subscribe" requirement.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.attached {
		t.mu.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.attached = true
	t.mu.Unlock()

	if !t.IsAvailable() {
		t.log.Warn("wifi aware reported unavailable, transport stays off")
		return nil
	}

	if err := t.startPublisher(t.ctx); err != nil {
		return err
	}
	return t.startSubscriber(t.ctx)
}

func (t *Transport) startPublisher(ctx context.Context) error {
	cfg := dnssd.Config{
		Name: "scmesh",
		Type: serviceType,
		Port: streamhandshake.Port,
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("wifiaware: build service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("wifiaware: new responder: %w", err)
	}
	handle, err := responder.Add(service)
	if err != nil {
		return fmt.Errorf("wifiaware: publish: %w", err)
	}

	t.mu.Lock()
	t.responder = responder
	t.serviceHandle = handle
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
			t.log.WithError(err).Warn("aware responder exited")
		}
	}()

	t.wg.Add(1)
	go t.acceptLoop(ctx)

	return nil
}

// acceptLoop repeatedly runs the responder-side accept (SPEC_FULL.md §4.3
// step 3's responder role): each subscriber that dials us lands here as a
// freshly accepted connection, which is this node's only signal that a
// subscriber discovered our publish record — Wi-Fi Aware's real
// publish-session callback has no mDNS equivalent to hook instead.
func (t *Transport) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		netConn, err := streamhandshake.Accept(ctx, t.host)
		if err != nil {
			t.log.WithError(err).Warn("aware accept failed")
			continue
		}
		if netConn == nil {
			continue // Timeout elapsed with no initiator this round; try again.
		}
		peerID := netConn.RemoteAddr().String()
		t.HandlePublisherDiscovered(ctx, peerID, netConn)
	}
}

func (t *Transport) startSubscriber(ctx context.Context) error {
	browseCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.browseCancel = cancel
	t.mu.Unlock()

	addFn := func(e dnssd.BrowseEntry) {
		t.handleServiceDiscovered(ctx, e)
	}
	rmvFn := func(e dnssd.BrowseEntry) {}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := dnssd.LookupType(browseCtx, serviceType, addFn, rmvFn); err != nil && browseCtx.Err() == nil {
			t.log.WithError(err).Warn("aware browse exited")
		}
	}()

	return nil
}

// handleServiceDiscovered is the subscriber-side service-discovered event
// (SPEC_FULL.md §4.3 step 3). It is the initiator: it connects to the
// peer's advertised address on the fixed port, guarded by pendingInit so
// a duplicate discovery event before the first attempt completes does not
// start a second connect.
func (t *Transport) handleServiceDiscovered(ctx context.Context, entry dnssd.BrowseEntry) {
	peerID := entry.Name
	if len(entry.IPs) == 0 {
		return
	}

	if !t.pendingInit.CheckAndSet(peerID) {
		return // an initiator attempt for this peer is already in flight
	}
	defer t.pendingInit.Remove(peerID)

	if t.onPeerDiscovered != nil {
		t.onPeerDiscovered(peerID)
	}

	netConn, err := streamhandshake.Connect(ctx, t.host, entry.IPs[0].String())
	if err != nil {
		telemetry.WithPeer(t.log, peerID).WithError(err).Warn("aware initiator connect failed")
		return
	}

	t.registerConnection(peerID, netConn)
}

// HandlePublisherDiscovered is invoked by acceptLoop once a subscriber has
// dialed in and the responder accept has already produced a live
// connection; it registers that connection under peerID.
func (t *Transport) HandlePublisherDiscovered(ctx context.Context, peerID string, netConn net.Conn) {
	if t.onPeerDiscovered != nil {
		t.onPeerDiscovered(peerID)
	}
	t.registerConnection(peerID, netConn)
}

// registerConnection wraps a raw net.Conn in a streamhandshake.Connection,
// wires its reader loop to onDataReceived, and drops any prior connection
// for the same peer.
func (t *Transport) registerConnection(peerID string, netConn net.Conn) {
	conn := streamhandshake.NewConnection(peerID, netConn, t.log, func(peerID string, frame []byte) {
		if t.onDataReceived != nil {
			t.onDataReceived(peerID, frame)
		}
	}, func(peerID string) {
		t.mu.Lock()
		delete(t.connections, peerID)
		t.mu.Unlock()
	})

	t.mu.Lock()
	if old, exists := t.connections[peerID]; exists {
		t.mu.Unlock()
		old.Close()
		t.mu.Lock()
	}
	t.connections[peerID] = conn
	t.mu.Unlock()
}

// Send writes frame to peerID's established Aware connection. Returns
// false if no connection is registered.
func (t *Transport) Send(peerID string, frame []byte) bool {
	t.mu.Lock()
	conn, ok := t.connections[peerID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if err := conn.Send(frame); err != nil {
		telemetry.WithPeer(t.log, peerID).WithError(err).Warn("aware send failed")
		t.dropConnection(peerID)
		return false
	}
	return true
}

func (t *Transport) dropConnection(peerID string) {
	t.mu.Lock()
	conn, ok := t.connections[peerID]
	if ok {
		delete(t.connections, peerID)
	}
	t.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Stop cancels the scheduler, closes every connection, closes the
// publish/subscribe session, and detaches from Aware. Idempotent.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.attached {
		t.mu.Unlock()
		return nil
	}
	t.attached = false
	cancel := t.cancel
	responder := t.responder
	handle := t.serviceHandle
	t.responder = nil
	t.serviceHandle = nil
	conns := t.connections
	t.connections = make(map[string]*streamhandshake.Connection)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		c.Close()
	}
	if responder != nil && handle != nil {
		responder.Remove(handle)
	}

	t.wg.Wait()
	t.pendingInit.Stop()
	return nil
}

// Cleanup is Stop plus releasing the scheduler; since Start/Stop already
// own a dedicated context per attach cycle, Cleanup is Stop's alias here.
func (t *Transport) Cleanup() error {
	return t.Stop()
}
