package driver

import (
	"sync"
	"time"

	"github.com/vehiclelink/canadapter/packet"
)

// Responder scripts the simulator: it maps each sent packet to the packets
// the network should answer with. Returning nil answers nothing.
type Responder func(packet.Packet) []packet.Packet

// Echo is a Responder that reflects every sent packet back as received.
func Echo(p packet.Packet) []packet.Packet {
	return []packet.Packet{packet.NewRx(0, p.Channel(), p.ID(), p.Data())}
}

// Sim is the in-memory backend. It performs no physical I/O: Send hands the
// packet to the configured Responder and the responses become the receive
// stream. Deterministic and safe for concurrent send/receive.
type Sim struct {
	opts  Options
	start time.Time

	mu      sync.Mutex
	respond Responder

	rx        chan packet.Packet
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSim returns a simulator with no script attached.
func NewSim(opts Options) *Sim {
	return &Sim{
		opts:   opts,
		start:  time.Now(),
		rx:     make(chan packet.Packet, 256),
		closed: make(chan struct{}),
	}
}

// Respond installs the scripting function. Safe to call between sends.
func (s *Sim) Respond(fn Responder) {
	s.mu.Lock()
	s.respond = fn
	s.mu.Unlock()
}

func (s *Sim) now() time.Duration { return time.Since(s.start) }

// Send runs the packet through the script and queues the responses.
func (s *Sim) Send(p packet.Packet) error {
	select {
	case <-s.closed:
		return &IOError{Op: "send", Err: ErrClosed}
	default:
	}
	s.mu.Lock()
	fn := s.respond
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	for _, r := range fn(p) {
		rx := packet.NewRx(s.now(), r.Channel(), r.ID(), r.Data())
		select {
		case s.rx <- rx:
		case <-s.closed:
			return &IOError{Op: "send", Err: ErrClosed}
		}
	}
	return nil
}

// Receive dequeues the next scripted response, blocking up to timeout.
func (s *Sim) Receive(timeout time.Duration) (packet.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-s.rx:
		return p, nil
	case <-s.closed:
		return packet.Packet{}, ErrClosed
	case <-timer.C:
		return packet.Packet{}, ErrTimeout
	}
}

func (s *Sim) Address() uint8 { return s.opts.SourceAddress }

func (s *Sim) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
