package transport

import (
	"testing"

	"scmesh.dev/transport/internal/corehost"
)

func TestPeerTransportCacheRecordSuccess(t *testing.T) {
	c := NewPeerTransportCache()

	if _, ok := c.Get("peerA"); ok {
		t.Fatalf("expected empty cache to miss")
	}

	c.RecordSuccess("peerA", corehost.BearerBLE)
	bearer, ok := c.Get("peerA")
	if !ok || bearer != corehost.BearerBLE {
		t.Fatalf("expected peerA cached as BLE, got %v ok=%v", bearer, ok)
	}
}

func TestPeerTransportCacheEvictsAfterThreshold(t *testing.T) {
	c := NewPeerTransportCache()
	c.RecordSuccess("peerA", corehost.BearerWifiAware)

	for i := 0; i < EvictionThreshold-1; i++ {
		if evicted := c.RecordFailure("peerA"); evicted {
			t.Fatalf("evicted too early on failure %d", i+1)
		}
		if _, ok := c.Get("peerA"); !ok {
			t.Fatalf("entry should survive fewer than %d failures", EvictionThreshold)
		}
	}

	if evicted := c.RecordFailure("peerA"); !evicted {
		t.Fatalf("expected eviction on the %dth consecutive failure", EvictionThreshold)
	}
	if _, ok := c.Get("peerA"); ok {
		t.Fatalf("entry should be gone after eviction")
	}
}

func TestPeerTransportCacheSuccessResetsFailureStreak(t *testing.T) {
	c := NewPeerTransportCache()
	c.RecordSuccess("peerA", corehost.BearerBLE)
	c.RecordFailure("peerA")
	c.RecordFailure("peerA")
	c.RecordSuccess("peerA", corehost.BearerBLE)

	for i := 0; i < EvictionThreshold-1; i++ {
		if evicted := c.RecordFailure("peerA"); evicted {
			t.Fatalf("failure streak should have reset on the intervening success")
		}
	}
}

func TestPeerTransportCacheClear(t *testing.T) {
	c := NewPeerTransportCache()
	c.RecordSuccess("peerA", corehost.BearerBLE)
	c.Clear()
	if _, ok := c.Get("peerA"); ok {
		t.Fatalf("expected Clear to drop all entries")
	}
}

func TestActiveTransportsSetAndSnapshot(t *testing.T) {
	a := NewActiveTransports()
	if a.IsOn(corehost.BearerBLE) {
		t.Fatalf("expected every bearer off initially")
	}

	a.Set(corehost.BearerBLE, true)
	a.Set(corehost.BearerWifiAware, true)
	a.Set(corehost.BearerWifiDirect, false)

	if !a.IsOn(corehost.BearerBLE) || !a.IsOn(corehost.BearerWifiAware) {
		t.Fatalf("expected BLE and WifiAware on")
	}
	if a.IsOn(corehost.BearerWifiDirect) {
		t.Fatalf("expected WifiDirect off")
	}

	snap := a.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 bearers on, got %d", len(snap))
	}
}

func TestActiveTransportsClear(t *testing.T) {
	a := NewActiveTransports()
	a.Set(corehost.BearerBLE, true)
	a.Clear()
	if a.IsOn(corehost.BearerBLE) {
		t.Fatalf("expected Clear to turn every bearer off")
	}
}
