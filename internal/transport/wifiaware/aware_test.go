package wifiaware

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brutella/dnssd"

	"scmesh.dev/transport/internal/corehost"
)

// countingDialHost counts concurrent DialAwareNetwork calls and always
// succeeds via an in-memory net.Pipe, exercising the pending_initiators
// compare-and-set guard without a real network.
type countingDialHost struct {
	dialCount int32
	// gate, when non-nil, holds every dial open until it is closed.
	gate chan struct{}
}

func (h *countingDialHost) BLEAdapterState(ctx context.Context) (corehost.AdapterState, error) {
	return corehost.AdapterState{}, nil
}
func (h *countingDialHost) AwareAvailable(ctx context.Context) bool  { return true }
func (h *countingDialHost) DirectAvailable(ctx context.Context) bool { return true }

func (h *countingDialHost) DialAwareNetwork(ctx context.Context, addr string) (net.Conn, error) {
	atomic.AddInt32(&h.dialCount, 1)
	if h.gate != nil {
		<-h.gate
	}
	client, server := net.Pipe()
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	return client, nil
}

func (h *countingDialHost) ListenAwareNetwork(ctx context.Context, addr string) (net.Listener, error) {
	return nil, nil
}

func TestPendingInitiatorsGuardsDuplicateDiscovery(t *testing.T) {
	host := &countingDialHost{gate: make(chan struct{})}
	var discoveredCount int32

	tr := New(host, func(peerID string) {
		atomic.AddInt32(&discoveredCount, 1)
	}, nil)

	entry := dnssd.BrowseEntry{Name: "peerA", IPs: []net.IP{net.ParseIP("fe80::1")}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var returned int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.handleServiceDiscovered(ctx, entry)
			atomic.AddInt32(&returned, 1)
		}()
	}
	// The winning call blocks inside the dial; release it only once the
	// four other calls have returned, so every one of them overlaps it.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&returned) < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(host.gate)
	wg.Wait()

	if got := atomic.LoadInt32(&host.dialCount); got != 1 {
		t.Fatalf("expected exactly one dial attempt under concurrent discovery, got %d", got)
	}
	if got := atomic.LoadInt32(&discoveredCount); got != 1 {
		t.Fatalf("expected onPeerDiscovered to fire exactly once, got %d", got)
	}

	tr.mu.Lock()
	_, registered := tr.connections["peerA"]
	tr.mu.Unlock()
	if !registered {
		t.Fatalf("expected the connection to be registered after the initiator attempt")
	}
}

func TestPendingInitiatorsAllowsRetryAfterCompletion(t *testing.T) {
	host := &countingDialHost{}
	tr := New(host, func(string) {}, nil)
	entry := dnssd.BrowseEntry{Name: "peerB", IPs: []net.IP{net.ParseIP("fe80::2")}}

	ctx := context.Background()
	tr.handleServiceDiscovered(ctx, entry)
	tr.handleServiceDiscovered(ctx, entry)

	if got := atomic.LoadInt32(&host.dialCount); got != 2 {
		t.Fatalf("expected two sequential (non-overlapping) dial attempts, got %d", got)
	}

	time.Sleep(time.Millisecond) // let any stray goroutine settle before the test exits
}

func TestHandleServiceDiscoveredIgnoresEmptyAddressList(t *testing.T) {
	host := &countingDialHost{}
	tr := New(host, func(string) {}, nil)
	entry := dnssd.BrowseEntry{Name: "peerC"}

	tr.handleServiceDiscovered(context.Background(), entry)

	if got := atomic.LoadInt32(&host.dialCount); got != 0 {
		t.Fatalf("expected no dial attempt without an address, got %d", got)
	}
}
