package j1939tp

import (
	"errors"
	"fmt"
	"time"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

// Send transmits a logical packet. Payloads that fit one CAN frame pass
// straight through to the bus; larger payloads are segmented: broadcast
// destinations use BAM with a fixed inter-frame gap, directed destinations
// use the RTS/CTS handshake paced by the receiver's window.
func (e *Engine) Send(p packet.Packet) error {
	if p.Len() <= 8 {
		return e.bus.Push(p)
	}
	if p.Len() > MaxMessage {
		return fmt.Errorf("j1939tp: %d byte message exceeds the %d byte transport limit", p.Len(), MaxMessage)
	}
	if p.PGN() >= 0xF000 || p.Dest() == broadcast {
		return e.sendBAM(p)
	}
	return e.sendRTS(p)
}

func segments(n int) int { return (n + chunk - 1) / chunk }

// dtFrame builds the DT frame for 1-based segment seq; the last chunk is
// padded to 7 bytes with 0xFF.
func dtFrame(p packet.Packet, da uint8, seq int) packet.Packet {
	body := [8]byte{byte(seq), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	copy(body[1:], p.Data()[(seq-1)*chunk:])
	return packet.NewJ1939(tpPrio, PGNDataTransfer, da, p.Source(), body[:])
}

func cmFrame(ctrl byte, p packet.Packet, da uint8, window uint8) packet.Packet {
	size := p.Len()
	pgn := p.PGN()
	if pgn < 0xF000 {
		// Destination-specific PGNs carry the destination in the PS byte.
		pgn |= uint32(p.Dest())
	}
	body := []byte{ctrl, byte(size), byte(size >> 8), byte(segments(size)), window,
		byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	return packet.NewJ1939(tpPrio, PGNConnManagement, da, p.Source(), body)
}

// sendBAM broadcasts the announcement then every segment at the configured
// gap. There is no acknowledgment; the message counts as sent once the
// last DT frame is handed to the bus.
func (e *Engine) sendBAM(p packet.Packet) error {
	if err := e.bus.Push(cmFrame(ctrlBAM, p, broadcast, 0xFF)); err != nil {
		return err
	}
	for seq := 1; seq <= segments(p.Len()); seq++ {
		time.Sleep(e.cfg.BAMDelay)
		if err := e.bus.Push(dtFrame(p, broadcast, seq)); err != nil {
			return err
		}
	}
	return nil
}

// sendRTS performs the directed transfer: announce, then send segments as
// the receiver clears them, until the end-of-message ack. No CTS within
// the response timeout aborts the send; there is no retry.
func (e *Engine) sendRTS(p packet.Packet) error {
	da := p.Dest()
	count := segments(p.Len())

	// Subscribe before announcing so the first CTS cannot be missed.
	lis := e.bus.Subscribe()
	defer lis.Close()

	if err := e.bus.Push(cmFrame(ctrlRTS, p, da, 0xFF)); err != nil {
		return err
	}

	for {
		cm, err := e.awaitCM(lis, da)
		if err != nil {
			if errors.Is(err, driver.ErrTimeout) {
				e.pushAbort(p, da)
				return &SessionAbortError{Source: p.Source(), Dest: da, PGN: p.PGN(), Reason: "no clear to send within timeout"}
			}
			return err
		}
		switch cm.Data()[0] {
		case ctrlCTS:
			window := int(cm.Data()[1])
			next := int(cm.Data()[2])
			if window == 0 {
				// Receiver hold; keep waiting within a fresh timeout.
				continue
			}
			if next < 1 || next > count {
				e.pushAbort(p, da)
				return &SessionAbortError{Source: p.Source(), Dest: da, PGN: p.PGN(),
					Reason: fmt.Sprintf("clear to send for invalid segment %d", next)}
			}
			for seq := next; seq < next+window && seq <= count; seq++ {
				if err := e.bus.Push(dtFrame(p, da, seq)); err != nil {
					return err
				}
			}
		case ctrlEOM:
			return nil
		case ctrlAbort:
			return &SessionAbortError{Source: p.Source(), Dest: da, PGN: p.PGN(), Reason: "aborted by receiver"}
		}
	}
}

// awaitCM waits for the next CM frame from da addressed to us.
func (e *Engine) awaitCM(lis *bus.Listener, da uint8) (packet.Packet, error) {
	deadline := time.Now().Add(e.cfg.ResponseTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return packet.Packet{}, driver.ErrTimeout
		}
		p, err := lis.Next(remaining)
		if err != nil {
			return packet.Packet{}, err
		}
		if p.Tx() || p.PGN() != PGNConnManagement || p.Source() != da || p.Dest() != e.cfg.SourceAddress {
			continue
		}
		if len(p.Data()) < 8 {
			continue
		}
		return p, nil
	}
}

func (e *Engine) pushAbort(p packet.Packet, da uint8) {
	pgn := p.PGN() | uint32(p.Dest())
	body := []byte{ctrlAbort, 0xFF, 0xFF, 0xFF, 0xFF, byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	if err := e.bus.Push(packet.NewJ1939(tpPrio, PGNConnManagement, da, p.Source(), body)); err != nil {
		e.log.Warn("j1939tp: abort send failed", "err", err)
	}
}
