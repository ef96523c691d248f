// Package crdt implements the replicated document type used by the
// collaboration hubs: an RGA text sequence plus named last-writer-wins maps,
// with a y-protocols compatible sync and awareness wire framing.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
)

// Top-level message types. The first byte of every framed message carries
// one of these values; anything else is treated by the classifier as a
// suspected raw content update.
const (
	MessageSync               uint8 = 0
	MessageAwareness          uint8 = 1
	MessageAuth               uint8 = 2
	MessageQueryAwareness     uint8 = 3
	MessageSyncReply          uint8 = 4
	MessageBroadcastStateless uint8 = 6
	MessageSyncStatus         uint8 = 8
)

// Sync sub-types (second byte of a MessageSync frame).
const (
	SyncStep1  uint8 = 0 // carries a state vector, asks for the diff
	SyncStep2  uint8 = 1 // carries the diff update
	SyncUpdate uint8 = 2 // carries an incremental update
)

var ErrTruncated = errors.New("crdt: truncated message")

// ============================================================================
// VARINT PRIMITIVES
// ============================================================================

// WriteVarUint appends a 7-bit little-endian varint.
func WriteVarUint(buf *bytes.Buffer, n uint64) {
	for n >= 0x80 {
		buf.WriteByte(byte(n) | 0x80)
		n >>= 7
	}
	buf.WriteByte(byte(n))
}

// ReadVarUint reads a varint and returns the remaining bytes.
func ReadVarUint(b []byte) (uint64, []byte, error) {
	var n uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		n |= uint64(b[i]&0x7f) << shift
		if b[i] < 0x80 {
			return n, b[i+1:], nil
		}
		shift += 7
		if shift > 63 {
			return 0, nil, fmt.Errorf("crdt: varint overflow")
		}
	}
	return 0, nil, ErrTruncated
}

// WriteVarBytes appends a length-prefixed byte slice.
func WriteVarBytes(buf *bytes.Buffer, b []byte) {
	WriteVarUint(buf, uint64(len(b)))
	buf.Write(b)
}

// ReadVarBytes reads a length-prefixed byte slice.
func ReadVarBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := ReadVarUint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}

func writeVarString(buf *bytes.Buffer, s string) {
	WriteVarBytes(buf, []byte(s))
}

func readVarString(b []byte) (string, []byte, error) {
	v, rest, err := ReadVarBytes(b)
	return string(v), rest, err
}

// ============================================================================
// MESSAGE BUILDERS
// ============================================================================

// EncodeSyncStep1 frames a state vector as a Sync/Step1 request.
func EncodeSyncStep1(stateVector []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(MessageSync)
	buf.WriteByte(SyncStep1)
	WriteVarBytes(&buf, stateVector)
	return buf.Bytes()
}

// EncodeSyncStep2 frames a diff update as a Sync/Step2 response.
func EncodeSyncStep2(update []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(MessageSync)
	buf.WriteByte(SyncStep2)
	WriteVarBytes(&buf, update)
	return buf.Bytes()
}

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(MessageSync)
	buf.WriteByte(SyncUpdate)
	WriteVarBytes(&buf, update)
	return buf.Bytes()
}

// EncodeAwarenessMessage frames an awareness payload.
func EncodeAwarenessMessage(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(MessageAwareness)
	WriteVarBytes(&buf, payload)
	return buf.Bytes()
}

// EncodeStatelessMessage frames an out-of-band JSON payload (error frames,
// operator warnings). Type 6 is reserved for stateless broadcasts.
func EncodeStatelessMessage(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(MessageBroadcastStateless)
	WriteVarBytes(&buf, payload)
	return buf.Bytes()
}

// SyncResult describes what handling a sync message produced.
type SyncResult struct {
	// Reply is a frame that must go back to the sender (Step2 for a Step1),
	// nil otherwise.
	Reply []byte
	// Applied reports whether the local document absorbed an update.
	Applied bool
	// Summary of the applied update; zero value when Applied is false.
	Summary ChangeSummary
}

// HandleSyncMessage processes the payload of a Sync (or SyncReply) frame
// against doc. payload excludes the top-level type byte.
func HandleSyncMessage(doc *Doc, payload []byte) (SyncResult, error) {
	if len(payload) == 0 {
		return SyncResult{}, ErrTruncated
	}
	sub := payload[0]
	body, _, err := ReadVarBytes(payload[1:])
	if err != nil {
		return SyncResult{}, err
	}
	switch sub {
	case SyncStep1:
		diff, err := doc.EncodeStateAsUpdate(body)
		if err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Reply: EncodeSyncStep2(diff)}, nil
	case SyncStep2, SyncUpdate:
		sum, err := doc.ApplyUpdate(body)
		if err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Applied: true, Summary: sum}, nil
	default:
		return SyncResult{}, fmt.Errorf("crdt: unknown sync sub-type %d", sub)
	}
}
