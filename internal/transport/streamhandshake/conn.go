package streamhandshake

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

const readBufferSize = 8 * 1024

// Connection is the AwareConnection/per-peer record of SPEC_FULL.md §3:
// {peer_id, socket, reader_state}. Owned exclusively by whichever bearer
// constructs it (Wi-Fi Aware or Wi-Fi Direct); destroyed on socket close
// or on the bearer's stop.
type Connection struct {
	PeerID string
	conn   net.Conn

	mu    sync.Mutex
	state ReaderState
}

// ReaderState enumerates the three states an AwareConnection's reader can
// be in.
type ReaderState int

const (
	ReaderIdle ReaderState = iota
	ReaderReading
	ReaderClosed
)

// NewConnection wraps conn for peerID and starts its reader loop, which
// dispatches every non-empty read to onData and closes (calling onClose
// exactly once) on any read error.
func NewConnection(peerID string, conn net.Conn, log *logrus.Entry, onData func(peerID string, frame []byte), onClose func(peerID string)) *Connection {
	c := &Connection{PeerID: peerID, conn: conn, state: ReaderIdle}
	go c.readLoop(log, onData, onClose)
	return c
}

func (c *Connection) readLoop(log *logrus.Entry, onData func(peerID string, frame []byte), onClose func(peerID string)) {
	c.mu.Lock()
	c.state = ReaderReading
	c.mu.Unlock()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.mu.Lock()
			c.state = ReaderClosed
			c.mu.Unlock()
			c.conn.Close()
			if onClose != nil {
				onClose(c.PeerID)
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if onData != nil {
			onData(c.PeerID, frame)
		}
	}
}

// Send writes bytes to the peer's socket.
func (c *Connection) Send(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

// Close closes the underlying socket. Idempotent from the caller's
// perspective; a concurrent read error will also close it exactly once.
func (c *Connection) Close() {
	c.conn.Close()
}

// State reports the current reader state.
func (c *Connection) State() ReaderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
