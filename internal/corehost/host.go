// Package corehost defines the two thin interfaces the transport
// multiplexer uses to talk to the rest of the mesh: PlatformHost (OS
// capabilities queried by the bearers) and CoreSink (where discovered
// peers and received frames are delivered).
package corehost

import (
	"context"
	"net"
)

// PlatformHost exposes OS capabilities the transport layer needs but does
// not own: adapter/radio state, availability of Aware/Direct, permission
// state, and a socket factory bound to whatever network a data path
// negotiation produced. The core/app process implements this; on Linux the
// reference cmd/transportd binary backs it with BlueZ D-Bus state and a
// dnssd-based Aware/Direct stand-in (see SPEC_FULL.md §4.3/§4.4).
type PlatformHost interface {
	// BLEAdapterState reports whether a usable BLE adapter is powered and
	// not blocked by permissions.
	BLEAdapterState(ctx context.Context) (AdapterState, error)

	// AwareAvailable reports whether this device can bring up an Aware-like
	// data path right now.
	AwareAvailable(ctx context.Context) bool

	// DirectAvailable reports whether this device can bring up a Wi-Fi
	// Direct-like data path right now.
	DirectAvailable(ctx context.Context) bool

	// DialAwareNetwork opens an outbound connection on the network bound to
	// an Aware (or Direct) data path, honoring the supplied timeout. The
	// returned net.Conn is a plain stream; the caller owns its lifecycle.
	DialAwareNetwork(ctx context.Context, addr string) (net.Conn, error)

	// ListenAwareNetwork opens a listener bound to the network formed for a
	// responder-side data path.
	ListenAwareNetwork(ctx context.Context, addr string) (net.Listener, error)
}

// AdapterState is the subset of BLE adapter state this layer cares about.
type AdapterState struct {
	Present          bool
	Powered          bool
	PermissionDenied bool
}

// Bearer identifies the transport technology carrying a frame.
type Bearer uint8

const (
	// BearerBLE is Bluetooth Low Energy.
	BearerBLE Bearer = iota
	// BearerWifiAware is Wi-Fi Aware (NAN).
	BearerWifiAware
	// BearerWifiDirect is Wi-Fi Direct.
	BearerWifiDirect
	// BearerInternet is a sentinel for introspection only; this layer never
	// drives it.
	BearerInternet
)

func (b Bearer) String() string {
	switch b {
	case BearerBLE:
		return "ble"
	case BearerWifiAware:
		return "wifi_aware"
	case BearerWifiDirect:
		return "wifi_direct"
	case BearerInternet:
		return "internet"
	default:
		return "unknown"
	}
}

// FrameKind distinguishes the handful of byte streams this layer shuttles
// without interpreting their contents.
type FrameKind uint8

const (
	// FrameKindMessage is an opaque core-to-core frame.
	FrameKindMessage FrameKind = iota
	// FrameKindIdentity is bytes read from (or written to) the Identity
	// beacon surface; the core, not this layer, parses these.
	FrameKindIdentity
)

// CoreSink receives peer-discovery and data events from every bearer. Both
// methods MUST be safe to call concurrently from arbitrary goroutines: OS
// callbacks (BlueZ D-Bus signals, Aware capability callbacks) arrive on
// goroutines this layer does not control.
type CoreSink interface {
	// OnPeerDiscovered fires when a bearer discovers a peer. BLE fires it at
	// most once per peer per scanner dedup window; Wi-Fi Aware and Wi-Fi
	// Direct fire it on each initiator attempt and each accepted connection.
	OnPeerDiscovered(peerID string, bearer Bearer)
	// OnDataReceived hands a fully reassembled frame to the core.
	OnDataReceived(peerID string, frame []byte, bearer Bearer, kind FrameKind)
}
