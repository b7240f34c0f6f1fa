package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFragmentTruncated is returned when a fragment is shorter than the
// 4-byte header it must carry.
var ErrFragmentTruncated = errors.New("ble: fragment shorter than header")

// ErrFrameTooLarge is returned when Fragment is asked to split a frame
// larger than the 256 KiB the core is allowed to hand us.
var ErrFrameTooLarge = errors.New("ble: frame exceeds 256 KiB limit")

// MaxFrameSize is the largest frame the core may hand to this layer.
const MaxFrameSize = 256 * 1024

// encodeHeader writes the 4-byte fragment header: total_fragments (u16 LE)
// then fragment_index (u16 LE), per SPEC_FULL.md §3/§6.
func encodeHeader(total, index int) []byte {
	header := make([]byte, FragmentHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(total))
	binary.LittleEndian.PutUint16(header[2:4], uint16(index))
	return header
}

// decodeHeader parses the 4-byte fragment header.
func decodeHeader(data []byte) (total, index int, err error) {
	if len(data) < FragmentHeaderSize {
		return 0, 0, ErrFragmentTruncated
	}
	total = int(binary.LittleEndian.Uint16(data[0:2]))
	index = int(binary.LittleEndian.Uint16(data[2:4]))
	return total, index, nil
}

// Fragment splits frame into wire-ready chunks sized for mtu, each carrying
// the 4-byte header. Fragment count is ceil(len(frame) / maxPayload), with
// a single (possibly empty-payload) fragment for an empty frame.
func Fragment(frame []byte, mtu int) ([][]byte, error) {
	if len(frame) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	maxPayload := MaxFragmentPayload(mtu)
	if maxPayload <= 0 {
		return nil, fmt.Errorf("ble: mtu %d leaves no room for fragment payload", mtu)
	}

	total := (len(frame) + maxPayload - 1) / maxPayload
	if total == 0 {
		total = 1
	}

	fragments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(frame) {
			end = len(frame)
		}
		header := encodeHeader(total, i)
		fragment := make([]byte, 0, len(header)+end-start)
		fragment = append(fragment, header...)
		fragment = append(fragment, frame[start:end]...)
		fragments = append(fragments, fragment)
	}

	return fragments, nil
}

// reassembly is the per-peer buffer described in SPEC_FULL.md §3: created
// on fragment index 0, appended on later indices, flushed when complete,
// and silently evicted if a new index-0 arrives mid-flight.
type reassembly struct {
	total    int
	payloads map[int][]byte
}

// Reassembler tracks one FragmentReassembly buffer per remote peer.
// Not safe for concurrent use by itself; callers (GATT server, GATT
// client) serialize access per peer already via their own locks.
type Reassembler struct {
	buffers map[string]*reassembly
}

// NewReassembler returns an empty per-peer reassembly tracker.
func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[string]*reassembly)}
}

// Accept feeds one fragment from peerID into its buffer. It returns the
// reassembled frame and true once the buffer completes; otherwise it
// returns nil, false. A malformed fragment (truncated header) is dropped
// silently per the Protocol error class in SPEC_FULL.md §7.
func (r *Reassembler) Accept(peerID string, data []byte) ([]byte, bool) {
	total, index, err := decodeHeader(data)
	if err != nil {
		return nil, false
	}
	payload := data[FragmentHeaderSize:]

	if index == 0 {
		// A fresh index-0 always restarts the buffer, discarding any
		// fragments collected for a previous, abandoned frame.
		r.buffers[peerID] = &reassembly{total: total, payloads: map[int][]byte{0: payload}}
	} else {
		buf, ok := r.buffers[peerID]
		if !ok || buf.total != total {
			// No buffer, or a mismatched total_fragments: drop the
			// fragment, there is nothing sane to append it to.
			return nil, false
		}
		buf.payloads[index] = payload
	}

	buf := r.buffers[peerID]
	if buf == nil || len(buf.payloads) != buf.total {
		return nil, false
	}

	frame := make([]byte, 0, total*len(payload))
	for i := 0; i < buf.total; i++ {
		part, ok := buf.payloads[i]
		if !ok {
			// Missing fragment despite the count matching: truncated
			// sequence, discard rather than emit a corrupt frame.
			delete(r.buffers, peerID)
			return nil, false
		}
		frame = append(frame, part...)
	}

	delete(r.buffers, peerID)
	return frame, true
}

// Discard drops any in-progress buffer for peerID, used when a peripheral
// disconnects mid-transfer.
func (r *Reassembler) Discard(peerID string) {
	delete(r.buffers, peerID)
}
