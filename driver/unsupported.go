package driver

import (
	"time"

	"github.com/vehiclelink/canadapter/packet"
)

// unsupported backs the platform stubs so they still satisfy Driver.
type unsupported struct{}

func (unsupported) Send(packet.Packet) error { return ErrClosed }

func (unsupported) Receive(time.Duration) (packet.Packet, error) {
	return packet.Packet{}, ErrClosed
}

func (unsupported) Address() uint8 { return 0 }

func (unsupported) Close() error { return nil }
