package j1939tp

import (
	"strings"
	"time"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

const (
	// PGNRequest is the request PGN (PGN 59904).
	PGNRequest = 0xEA00

	// PGNVIN is the vehicle identification PGN (PGN 65260).
	PGNVIN = 0xFEEC
)

// Request sends a PGN request to da and waits for the first matching
// response. Multi-frame responses arrive reassembled, so a single call
// covers parameter groups larger than one frame. da 0xFF requests
// globally and accepts a response from any source.
func (e *Engine) Request(pgn uint32, da uint8, timeout time.Duration) (packet.Packet, error) {
	lis := e.bus.Subscribe()
	defer lis.Close()

	body := []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	if err := e.bus.Push(packet.NewJ1939(6, PGNRequest, da, e.cfg.SourceAddress, body)); err != nil {
		return packet.Packet{}, err
	}
	return awaitPGN(lis, pgn, da, timeout)
}

func awaitPGN(lis *bus.Listener, pgn uint32, da uint8, timeout time.Duration) (packet.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return packet.Packet{}, driver.ErrTimeout
		}
		p, err := lis.Next(remaining)
		if err != nil {
			return packet.Packet{}, err
		}
		if p.Tx() || p.PGN() != pgn {
			continue
		}
		if da != broadcast && p.Source() != da {
			continue
		}
		return p, nil
	}
}

// VIN requests the vehicle identification number globally. The on-wire
// record is '*'-terminated; the terminator and anything after it are
// stripped.
func (e *Engine) VIN(timeout time.Duration) (string, error) {
	p, err := e.Request(PGNVIN, broadcast, timeout)
	if err != nil {
		return "", err
	}
	vin := string(p.Data())
	if i := strings.IndexByte(vin, '*'); i >= 0 {
		vin = vin[:i]
	}
	return vin, nil
}
