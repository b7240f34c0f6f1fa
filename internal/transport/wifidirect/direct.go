// Package wifidirect implements the Wi-Fi Direct bearer described in
// SPEC_FULL.md §4.4. It shares the exact role-asymmetric handshake and
// connection type wifiaware uses (see the Open Question decision in
// SPEC_FULL.md to reuse streamhandshake's port/timeout for both bearers)
// but discovers peers under its own service name and gates start on
// PlatformHost.DirectAvailable rather than AwareAvailable.
package wifidirect

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

const serviceType = "_scmessenger-direct._tcp.local."

// Transport is the Wi-Fi Direct bearer. Every node both forms its own
// group (responder) and looks for other groups to join (initiator) at
// once, mirroring wifiaware.Transport's dual-role model: role asymmetry
// is per-connection, not per-session.
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
}

// New constructs an unattached Transport.
func New(host corehost.PlatformHost, onPeerDiscovered func(peerID string), onDataReceived func(peerID string, frame []byte)) *Transport {
	return &Transport{
		host:             host,
		log:              telemetry.WithBearer(telemetry.NewLogger("wifidirect"), "wifi_direct"),
		onPeerDiscovered: onPeerDiscovered,
		onDataReceived:   onDataReceived,
		connections:      make(map[string]*streamhandshake.Connection),
		pendingInit:      ring.NewExpiringSet(streamhandshake.Timeout, time.Second),
	}
}

// IsAvailable reports whether Wi-Fi Direct can be brought up right now.
func (t *Transport) IsAvailable() bool {
	return t.host.DirectAvailable(context.Background())
}

// Start forms this node's own Direct group and simultaneously browses for
// other groups to join, bringing up discovery under the fixed service
// name for both roles at once (mirroring wifiaware's publish+subscribe
// requirement, generalized to Direct's group-owner/member framing).
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
		t.log.Warn("wifi direct reported unavailable, transport stays off")
		return nil
	}

	if err := t.startGroupOwner(t.ctx); err != nil {
		return err
	}
	return t.startMember(t.ctx)
}

func (t *Transport) startGroupOwner(ctx context.Context) error {
	cfg := dnssd.Config{
		Name: "scmesh-direct",
		Type: serviceType,
		Port: streamhandshake.Port,
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("wifidirect: build service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("wifidirect: new responder: %w", err)
	}
	handle, err := responder.Add(service)
	if err != nil {
		return fmt.Errorf("wifidirect: publish: %w", err)
	}

	t.mu.Lock()
	t.responder = responder
	t.serviceHandle = handle
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
			t.log.WithError(err).Warn("direct responder exited")
		}
	}()

	t.wg.Add(1)
	go t.acceptLoop(ctx)

	return nil
}

// acceptLoop is the group-owner-side accept: each member that dials in
// lands here, which is this node's only signal that a member discovered
// its group record (no richer group-formation callback exists behind the
// mDNS stand-in used for Direct's discovery layer).
func (t *Transport) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		netConn, err := streamhandshake.Accept(ctx, t.host)
		if err != nil {
			t.log.WithError(err).Warn("direct accept failed")
			continue
		}
		if netConn == nil {
			continue // Timeout elapsed with no member this round; try again.
		}
		peerID := netConn.RemoteAddr().String()
		t.HandleMemberDiscovered(ctx, peerID, netConn)
	}
}

func (t *Transport) startMember(ctx context.Context) error {
	addFn := func(e dnssd.BrowseEntry) {
		t.handleGroupOwnerDiscovered(ctx, e)
	}
	rmvFn := func(e dnssd.BrowseEntry) {}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := dnssd.LookupType(ctx, serviceType, addFn, rmvFn); err != nil && ctx.Err() == nil {
			t.log.WithError(err).Warn("direct browse exited")
		}
	}()

	return nil
}

func (t *Transport) handleGroupOwnerDiscovered(ctx context.Context, entry dnssd.BrowseEntry) {
	peerID := entry.Name
	if len(entry.IPs) == 0 {
		return
	}

	if !t.pendingInit.CheckAndSet(peerID) {
		return
	}
	defer t.pendingInit.Remove(peerID)

	if t.onPeerDiscovered != nil {
		t.onPeerDiscovered(peerID)
	}

	netConn, err := streamhandshake.Connect(ctx, t.host, entry.IPs[0].String())
	if err != nil {
		telemetry.WithPeer(t.log, peerID).WithError(err).Warn("direct member connect failed")
		return
	}

	t.registerConnection(peerID, netConn)
}

// HandleMemberDiscovered is invoked by acceptLoop once a joining member
// has dialed in and the group-owner accept has already produced a live
// connection; it registers that connection under peerID.
func (t *Transport) HandleMemberDiscovered(ctx context.Context, peerID string, netConn net.Conn) {
	if t.onPeerDiscovered != nil {
		t.onPeerDiscovered(peerID)
	}
	t.registerConnection(peerID, netConn)
}

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

// Send writes frame to peerID's established Direct connection.
func (t *Transport) Send(peerID string, frame []byte) bool {
	t.mu.Lock()
	conn, ok := t.connections[peerID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if err := conn.Send(frame); err != nil {
		telemetry.WithPeer(t.log, peerID).WithError(err).Warn("direct send failed")
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

// Stop tears the group down and detaches from discovery. Idempotent.
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

// Cleanup releases the group and every resource Start acquired.
func (t *Transport) Cleanup() error {
	return t.Stop()
}
