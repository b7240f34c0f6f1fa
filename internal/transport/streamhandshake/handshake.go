// Package streamhandshake implements the role-asymmetric responder/
// initiator handshake shared by Wi-Fi Aware and Wi-Fi Direct
// (SPEC_FULL.md §4.3/§4.4 and the Open Question deciding both bearers
// share port 8765 and a 5000ms timeout). The publisher/responder accepts
// exactly one connection within the timeout; the subscriber/initiator
// dials the peer. Reversing the roles deadlocks the handshake, so this
// package exposes only the two roles, never a symmetric "try both" mode.
package streamhandshake

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Port is the fixed data-path TCP port for both Aware and Wi-Fi Direct.
const Port = 8765

// Timeout bounds both the responder's accept and the initiator's connect.
const Timeout = 5000 * time.Millisecond

// Listener is the subset of PlatformHost this package needs to bring up a
// responder-side data path.
type Listener interface {
	ListenAwareNetwork(ctx context.Context, addr string) (net.Listener, error)
}

// Dialer is the subset of PlatformHost this package needs to bring up an
// initiator-side data path.
type Dialer interface {
	DialAwareNetwork(ctx context.Context, addr string) (net.Conn, error)
}

// Accept opens a listener on 0.0.0.0:Port bound to whatever network host
// resolves (the Aware or Direct data-path network), accepts exactly one
// connection within Timeout, and closes the listener either way. A nil
// conn with a nil error means no connection was accepted: the timeout
// elapsed with no initiator, ctx was cancelled, or the accept call failed.
func Accept(ctx context.Context, host Listener) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	addr := fmt.Sprintf("0.0.0.0:%d", Port)
	ln, err := host.ListenAwareNetwork(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("streamhandshake: listen: %w", err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, nil
	case r := <-done:
		if r.err != nil {
			return nil, nil
		}
		return r.conn, nil
	}
}

// Connect dials [peerAddr]:Port within Timeout. peerAddr is typically the
// peer's link-local IPv6 address surfaced by the platform's
// capabilities-changed callback.
func Connect(ctx context.Context, host Dialer, peerAddr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	addr := fmt.Sprintf("[%s]:%d", peerAddr, Port)
	conn, err := host.DialAwareNetwork(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("streamhandshake: connect to %s: %w", addr, err)
	}
	return conn, nil
}
