package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/sirupsen/logrus"

	"scmesh.dev/transport/internal/telemetry"
)

// identityTooLargeError is returned by SetIdentityData when the token
// exceeds the 24-byte advertising payload budget.
type identityTooLargeError struct{ size int }

func (e identityTooLargeError) Error() string {
	return fmt.Sprintf("ble: identity payload of %d bytes exceeds the %d-byte advertising budget", e.size, MaxIdentityAdvertisePayload)
}

// Advertiser emits a connectable advertisement carrying the service UUID
// and a short identity token, with optional periodic privacy rotation.
// Grounded on bitchat's LinuxBluetoothAdapter.StartAdvertising
// (internal/bluetooth/linux_adapter.go), generalized to support rotation.
type Advertiser struct {
	adapter *adapter.Adapter1
	adMgr   *advertising.LEAdvertisingManager1
	log     *logrus.Entry

	mu               sync.Mutex
	running          bool
	identity         []byte
	rotationEnabled  bool
	rotationInterval time.Duration
	cleanup          func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdvertiser constructs an Advertiser bound to the given BlueZ adapter.
func NewAdvertiser(a *adapter.Adapter1) (*Advertiser, error) {
	adMgr, err := advertising.NewLEAdvertisingManager1(a.Path())
	if err != nil {
		return nil, fmt.Errorf("ble: create advertising manager: %w", err)
	}

	return &Advertiser{
		adapter:          a,
		adMgr:            adMgr,
		log:              telemetry.WithBearer(telemetry.NewLogger("ble.advertiser"), "ble"),
		rotationInterval: DefaultPrivacyRotationInterval,
	}, nil
}

// SetIdentityData sets the advertised identity token. Rejects payloads
// larger than 24 bytes per SPEC_FULL.md §4.2.1.
func (a *Advertiser) SetIdentityData(data []byte) error {
	if len(data) > MaxIdentityAdvertisePayload {
		return identityTooLargeError{size: len(data)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = append([]byte(nil), data...)

	if a.running {
		return a.restartLocked()
	}
	return nil
}

// SetRotationInterval changes the privacy rotation period. The rotation
// loop reads the period once when Start launches it, so the new value takes
// effect from the next Start; an already-running timer keeps its period.
func (a *Advertiser) SetRotationInterval(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotationInterval = d
}

// SetRotationEnabled toggles whether Start schedules a rotation timer.
func (a *Advertiser) SetRotationEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotationEnabled = enabled
}

// Start builds the advertisement payload and begins advertising. Idempotent.
func (a *Advertiser) Start(ctx context.Context, rotateIdentity func() []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	if err := a.startLocked(); err != nil {
		return err
	}
	a.running = true

	if a.rotationEnabled {
		runCtx, cancel := context.WithCancel(ctx)
		a.cancel = cancel
		a.wg.Add(1)
		go a.rotationLoop(runCtx, rotateIdentity)
	}

	return nil
}

// Stop tears down the advertisement and cancels the rotation timer.
// Idempotent and crash-safe: it releases whatever was acquired even if an
// earlier Start step failed.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
	a.running = false
	a.mu.Unlock()

	// Wait outside the lock: the rotation loop may still need a.mu to
	// finish observing ctx.Done().
	a.wg.Wait()

	return nil
}

func (a *Advertiser) rotationLoop(ctx context.Context, rotateIdentity func() []byte) {
	defer a.wg.Done()

	a.mu.Lock()
	interval := a.rotationInterval
	a.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var token []byte
			if rotateIdentity != nil {
				token = rotateIdentity()
			}
			if err := a.SetIdentityData(token); err != nil {
				a.log.WithError(err).Warn("privacy rotation produced an oversized token")
			}
		}
	}
}

// startLocked builds and registers the advertisement. Caller holds a.mu.
func (a *Advertiser) startLocked() error {
	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypePeripheral,
		ServiceUUIDs: []string{ServiceUUID},
		LocalName:    LocalName,
		ServiceData: map[string]interface{}{
			ServiceUUID: a.identity,
		},
		Includes: []string{advertising.SupportedIncludesTxPower},
	}

	adapterID, err := a.adapter.GetAdapterID()
	if err != nil {
		return fmt.Errorf("ble: get adapter id: %w", err)
	}

	cleanup, err := api.ExposeAdvertisement(adapterID, props, 0)
	if err != nil {
		return fmt.Errorf("ble: expose advertisement: %w", err)
	}

	a.cleanup = cleanup
	return nil
}

// restartLocked stops and rebuilds the advertisement payload, used on
// rotation tick and on SetIdentityData while already running. Caller
// holds a.mu.
func (a *Advertiser) restartLocked() error {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
	return a.startLocked()
}
