// Package packet defines the immutable J1939 frame value that flows through
// the bus, the transport protocol engine and every adapter backend.
package packet

import (
	"fmt"
	"strings"
	"time"
)

// Packet is one CAN/J1939 frame, or a logical message reassembled from a
// transport protocol session. A Packet is immutable once constructed;
// reassembly always produces a new Packet.
type Packet struct {
	id      uint32
	payload []byte
	tx      bool
	channel uint8
	time    time.Duration // since capture start; zero for untimestamped TX
}

// New returns an outgoing packet with the given 29-bit identifier.
func New(id uint32, data []byte) Packet {
	return Packet{id: id, payload: cloneBytes(data), tx: true}
}

// NewRx returns a received packet stamped with the adapter timestamp.
func NewRx(ts time.Duration, channel uint8, id uint32, data []byte) Packet {
	return Packet{id: id, payload: cloneBytes(data), channel: channel, time: ts}
}

// NewJ1939 assembles the identifier from J1939 fields. The destination
// address occupies the PS byte only for PDU1 PGNs (below 0xF000); for PDU2
// the PGN already carries the group extension and da is ignored.
func NewJ1939(priority uint8, pgn uint32, da, sa uint8, data []byte) Packet {
	id := (uint32(priority) << 26) | (pgn << 8) | uint32(sa)
	if pgn < 0xF000 {
		id |= uint32(da) << 8
	}
	return New(id, data)
}

// NewJ1939Rx is NewJ1939 for a frame received (or echoed) by an adapter.
func NewJ1939Rx(ts time.Duration, channel, priority uint8, pgn uint32, da, sa uint8, data []byte) Packet {
	p := NewJ1939(priority, pgn, da, sa, data)
	p.tx = false
	p.time = ts
	p.channel = channel
	return p
}

func cloneBytes(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// ID returns the full 29-bit CAN identifier.
func (p Packet) ID() uint32 { return p.id }

// Source returns the J1939 source address.
func (p Packet) Source() uint8 { return uint8(p.id) }

// Dest returns the PS byte, which is the destination address for PDU1 PGNs.
func (p Packet) Dest() uint8 { return uint8(p.id >> 8) }

// PGN returns the parameter group number. PDU1 PGNs mask out the
// destination; the original adapter keeps the PS byte for PDU2.
func (p Packet) PGN() uint32 {
	pgn := 0xFFFF & (p.id >> 8)
	if pgn < 0xF000 {
		pgn &= 0xFF00
	}
	return pgn
}

// Priority returns the 3-bit J1939 priority.
func (p Packet) Priority() uint8 { return uint8(p.id>>26) & 0x07 }

// Data returns the payload. Callers must not modify the returned slice.
func (p Packet) Data() []byte { return p.payload }

// Len returns the payload length in bytes.
func (p Packet) Len() int { return len(p.payload) }

// Tx reports whether this packet was sent by us rather than received.
func (p Packet) Tx() bool { return p.tx }

// Time returns the adapter timestamp, zero for untimestamped TX packets.
func (p Packet) Time() time.Duration { return p.time }

// Channel returns the adapter channel the packet was seen on.
func (p Packet) Channel() uint8 { return p.channel }

// WithTime returns a copy stamped as sent at ts on the given channel.
func (p Packet) WithTime(ts time.Duration, channel uint8) Packet {
	p.time = ts
	p.channel = channel
	return p
}

// Header returns the identifier formatted the way CAN log tools expect.
func (p Packet) Header() string { return fmt.Sprintf("%08X", p.id) }

func asHex(data []byte) string {
	var b strings.Builder
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// String renders the packet as a single CAN log line:
//
//	      0.0000 1 18FFAAFA [3] 01 02 03 (TX)
func (p Packet) String() string {
	suffix := ""
	if p.tx {
		suffix = " (TX)"
	}
	return fmt.Sprintf("%12.4f %d %s [%d] %s%s",
		p.time.Seconds(), p.channel, p.Header(), p.Len(), asHex(p.payload), suffix)
}
