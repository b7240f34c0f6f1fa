// Package ble implements the Bluetooth Low Energy bearer: advertiser,
// scanner, GATT server/client, L2CAP manager, fragmentation/reassembly and
// privacy rotation. It talks to BlueZ over D-Bus via
// github.com/muka/go-bluetooth, the same stack bitchat's Linux adapter
// uses (internal/bluetooth/linux_adapter.go, platform/linux/bluetooth.go).
package ble

import "time"

// UUIDs are bit-exact per SPEC_FULL.md §4.2.1.
const (
	ServiceUUID                = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	MessageCharacteristicUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	SyncCharacteristicUUID     = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	IdentityCharacteristicUUID = "6E400004-B5A3-F393-E0A9-E50E24DCCA9E"
)

// L2capPSM is the insecure L2CAP PSM the manager listens on when the OS
// supports it.
const L2capPSM = 0x1001

// LocalName is the advertised device name.
const LocalName = "SCMesh"

const (
	// MaxMTU is the ceiling MTU negotiated with a GATT client.
	MaxMTU = 512
	// FragmentHeaderSize is the 4-byte total_fragments+fragment_index header.
	FragmentHeaderSize = 4
	// MaxIdentityAdvertisePayload bounds the advertised identity token.
	MaxIdentityAdvertisePayload = 24
	// MaxConnectionPool bounds simultaneous GATT client peripherals.
	MaxConnectionPool = 5
)

// MaxFragmentPayload returns the largest payload slice that fits in one
// fragment at the given negotiated MTU: min(MTU, 512) - 4.
func MaxFragmentPayload(mtu int) int {
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	payload := mtu - FragmentHeaderSize
	if payload < 0 {
		return 0
	}
	return payload
}

// Timing constants, all bit-exact per SPEC_FULL.md §4.2.1.
const (
	DefaultPrivacyRotationInterval = 900 * time.Second
	ScanWindowForeground           = 30 * time.Second
	ScanIntervalForeground         = 10 * time.Second
	ScannerDedupTTL                = 5 * time.Second
	IdentityRefreshDelay1          = 900 * time.Millisecond
	IdentityRefreshDelay2          = 2200 * time.Millisecond
)
