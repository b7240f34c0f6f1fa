package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"scmesh.dev/transport/internal/corehost"
	"scmesh.dev/transport/internal/telemetry"
)

// Bearer composes the advertiser, scanner, GATT server/client and L2CAP
// manager into the single send/availability surface TransportManager
// expects (internal/transport.Bearer). Its Send implements the BLE
// sub-cascade of SPEC_FULL.md §4.1: L2CAP stream, then GATT-client write,
// then a GATT-server notify to a subscribed central, then — for frames
// small enough to ride the identity beacon — an untargeted advertiser push
// as a last resort.
type Bearer struct {
	host    corehost.PlatformHost
	adapter *adapter.Adapter1
	log     *logrus.Entry

	advertiser *Advertiser
	scanner    *Scanner
	gattServer *GattServer
	gattClient *GattClient
	l2cap      *L2capManager

	rotateIdentity func() []byte

	mu      sync.Mutex
	running bool
}

// NewBearer wires every BLE component against a shared adapter and GATT
// application object. onPeerDiscovered/onDataReceived are the raw,
// bearer-agnostic callbacks; TransportManager tags them with
// corehost.BearerBLE before handing them to the core. onIdentityReceived
// carries bytes read off the Identity characteristic, kept distinct from
// onDataReceived so the manager can tag them FrameKindIdentity per
// SPEC_FULL.md's Open Question decision.
func NewBearer(host corehost.PlatformHost, a *adapter.Adapter1, app *gatt.Application, rotateIdentity func() []byte, onPeerDiscovered func(peerID string), onDataReceived func(peerID string, frame []byte), onIdentityReceived func(peerID string, frame []byte)) (*Bearer, error) {
	advertiser, err := NewAdvertiser(a)
	if err != nil {
		return nil, err
	}
	advertiser.SetRotationEnabled(true)

	return &Bearer{
		host:           host,
		adapter:        a,
		log:            telemetry.WithBearer(telemetry.NewLogger("ble"), "ble"),
		advertiser:     advertiser,
		scanner:        NewScanner(a, onPeerDiscovered),
		gattServer:     NewGattServer(app, onDataReceived),
		gattClient:     NewGattClient(onDataReceived, onIdentityReceived),
		l2cap:          NewL2capManager(onDataReceived),
		rotateIdentity: rotateIdentity,
	}, nil
}

// IsAvailable reports whether the platform's BLE adapter is present,
// powered, and not blocked by a permission denial.
func (b *Bearer) IsAvailable() bool {
	state, err := b.host.BLEAdapterState(context.Background())
	if err != nil {
		return false
	}
	return state.Present && state.Powered && !state.PermissionDenied
}

// Start publishes the GATT service, brings up advertising with privacy
// rotation, starts the duty-cycled scanner, and opens the L2CAP listener
// when the platform supports it.
func (b *Bearer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	if err := b.gattServer.Publish(); err != nil {
		return err
	}
	if err := b.advertiser.Start(ctx, b.rotateIdentity); err != nil {
		return err
	}
	if err := b.scanner.Start(ctx); err != nil {
		return err
	}
	if b.l2cap.Available() {
		if err := b.l2cap.Listen(); err != nil {
			b.log.WithError(err).Warn("l2cap listen failed, falling back to gatt-only")
		}
	}
	return nil
}

// Stop idempotently tears down every BLE component.
func (b *Bearer) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.scanner.Stop()
	b.advertiser.Stop()
	b.gattClient.Stop()
	b.l2cap.Stop()
	return b.gattServer.Unpublish()
}

// Cleanup is Stop's alias; BLE holds no resources beyond what Stop
// already releases.
func (b *Bearer) Cleanup() error {
	return b.Stop()
}

// Send implements the BLE sub-cascade: L2CAP stream first (highest
// throughput, no fragmentation ceiling), then a GATT-client write to a
// peripheral we've connected to, then a GATT-server notify in case the peer
// holds the opposite role (it connected to us as a central and subscribed
// to the Sync characteristic), then — only for frames small enough to fit
// the identity beacon's advertised payload — a best-effort, untargeted
// advertiser push.
func (b *Bearer) Send(peerID string, frame []byte) bool {
	if b.l2cap.Send(peerID, frame) {
		return true
	}
	if b.gattClient.Write(peerID, frame) {
		return true
	}
	if b.gattServer.SendNotification(peerID, frame) {
		return true
	}
	if len(frame) <= MaxIdentityAdvertisePayload {
		if err := b.advertiser.SetIdentityData(frame); err != nil {
			b.log.WithError(err).Warn("advertiser push failed")
			return false
		}
		return true
	}
	return false
}

// SetIdentitySeed installs the identity payload advertising starts with;
// later rotations are driven by rotateIdentity.
func (b *Bearer) SetIdentitySeed(data []byte) error {
	return b.advertiser.SetIdentityData(data)
}

// ConnectPeer establishes a GATT client session to peerID, whose address
// is its BlueZ advertising address, first attempting an L2CAP connection
// when the platform supports it. Neither the scanner's discovery callback
// nor the manager's escalation routine calls it; a GATT client session
// exists only once a caller invokes ConnectPeer. BlueZ exposes
// every discovered device under a deterministic object path derived from
// the adapter ID and address, so no separate address-to-path lookup is
// needed beyond what the scanner already observed.
func (b *Bearer) ConnectPeer(ctx context.Context, peerID string) error {
	if b.l2cap.Available() {
		if addr, err := parseBDAddr(peerID); err != nil {
			b.log.WithError(err).Debug("l2cap connect skipped, unparseable peer address")
		} else if err := b.l2cap.Connect(peerID, unix.SockaddrL2{PSM: L2capPSM, Addr: addr, AddrType: unix.BDADDR_LE_PUBLIC}); err != nil {
			b.log.WithError(err).Debug("l2cap connect failed, gatt client remains the data path")
		}
	}

	adapterID, err := b.adapter.GetAdapterID()
	if err != nil {
		return fmt.Errorf("ble: resolve adapter id: %w", err)
	}
	path := fmt.Sprintf("/org/bluez/%s/dev_%s", adapterID, strings.ReplaceAll(peerID, ":", "_"))

	dev, err := device.NewDevice1(path)
	if err != nil {
		return fmt.Errorf("ble: bind device object for %s: %w", peerID, err)
	}
	return b.gattClient.Connect(ctx, peerID, dev)
}
