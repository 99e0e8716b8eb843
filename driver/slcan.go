package driver

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/vehiclelink/canadapter/packet"
)

// canSpeeds are the SLCAN setup speeds in kbps; the index is the S command
// argument.
var canSpeeds = [...]int{10, 20, 50, 100, 125, 250, 500, 800, 1000}

const slcanPoll = 50 * time.Millisecond

// Slcan talks the Lawicel serial-line CAN protocol over a serial port.
// Frames are ASCII hex command lines terminated by carriage return.
type Slcan struct {
	opts  Options
	start time.Time

	// Writes and reads use the same port but never the same buffers, so a
	// sender and a receiver can run concurrently. The mutex only
	// serializes writers.
	wmu  sync.Mutex
	port *serial.Port

	// Receive-side state, owned by the single receiving goroutine.
	pending []byte
}

// NewSlcan opens the serial device and initializes the CAN channel at the
// given speed in kbps.
func NewSlcan(device string, kbps int, opts Options) (*Slcan, error) {
	speedIdx := -1
	for i, s := range canSpeeds {
		if s == kbps {
			speedIdx = i
		}
	}
	if speedIdx < 0 {
		return nil, &OpenError{Backend: "slcan", Err: fmt.Errorf("unsupported CAN speed %d kbps", kbps)}
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        1_000_000,
		ReadTimeout: slcanPoll,
	})
	if err != nil {
		return nil, &OpenError{Backend: "slcan", Err: err}
	}

	s := &Slcan{opts: opts, start: time.Now(), port: port}
	for _, cmd := range []string{"C", "V", fmt.Sprintf("S%d", speedIdx), "O"} {
		if err := s.command(cmd); err != nil {
			port.Close()
			return nil, &OpenError{Backend: "slcan", Err: err}
		}
	}
	return s, nil
}

func (s *Slcan) command(cmd string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("command %q: %w", cmd, err)
	}
	if err := s.port.Flush(); err != nil {
		return fmt.Errorf("command %q: %w", cmd, err)
	}
	// Give the adapter firmware time to act before the next command.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Send encodes the packet as an extended-frame transmit line.
func (s *Slcan) Send(p packet.Packet) error {
	line := encodeSlcan(p)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.port.Write([]byte(line)); err != nil {
		return &IOError{Op: "send", Err: err}
	}
	return nil
}

// Receive reads lines until one parses as a frame or the timeout elapses.
// Malformed lines are logged and dropped.
func (s *Slcan) Receive(timeout time.Duration) (packet.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := s.nextLine(); ok {
			p, err := parseSlcan(line)
			if err != nil {
				s.opts.logger().Warn("slcan: dropping malformed line", "line", line, "err", err)
				continue
			}
			return packet.NewRx(time.Since(s.start), 0, p.ID(), p.Data()), nil
		}
		if time.Now().After(deadline) {
			return packet.Packet{}, ErrTimeout
		}
		buf := make([]byte, 64)
		n, err := s.port.Read(buf)
		if n > 0 {
			s.pending = append(s.pending, buf[:n]...)
		} else if err != nil && !isPollTimeout(err) {
			return packet.Packet{}, &IOError{Op: "receive", Err: err}
		}
	}
}

// isPollTimeout filters the EOF-ish results tarm/serial produces when the
// VTIME poll window elapses with no data.
func isPollTimeout(err error) bool {
	return errors.Is(err, io.EOF)
}

// nextLine pops one complete CR/LF terminated line from the pending buffer.
func (s *Slcan) nextLine() (string, bool) {
	for i, b := range s.pending {
		if b == '\r' || b == '\n' {
			line := strings.TrimSpace(string(s.pending[:i]))
			s.pending = s.pending[i+1:]
			if line == "" {
				continue
			}
			return line, true
		}
	}
	return "", false
}

func (s *Slcan) Address() uint8 { return s.opts.SourceAddress }

func (s *Slcan) Close() error {
	// Close the CAN channel before releasing the port.
	s.wmu.Lock()
	s.port.Write([]byte("C\r"))
	s.wmu.Unlock()
	return s.port.Close()
}

// encodeSlcan renders an extended data frame line: T iiiiiiii l dd...
func encodeSlcan(p packet.Packet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "T%08X%d", p.ID()&0x1FFFFFFF, p.Len())
	for _, v := range p.Data() {
		fmt.Fprintf(&b, "%02X", v)
	}
	b.WriteByte('\r')
	return b.String()
}

// parseSlcan decodes an extended data frame line. Anything else (standard
// frames, command echoes, noise) is malformed here and dropped upstream.
func parseSlcan(line string) (packet.Packet, error) {
	if len(line) < 10 || line[0] != 'T' {
		return packet.Packet{}, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
	}
	var id uint32
	if _, err := fmt.Sscanf(line[1:9], "%08X", &id); err != nil {
		return packet.Packet{}, fmt.Errorf("%w: bad id in %q", ErrMalformedFrame, line)
	}
	dlc := int(line[9] - '0')
	if dlc < 0 || dlc > 8 || len(line) < 10+2*dlc {
		return packet.Packet{}, fmt.Errorf("%w: bad length in %q", ErrMalformedFrame, line)
	}
	data := make([]byte, dlc)
	for i := range data {
		var v byte
		if _, err := fmt.Sscanf(line[10+2*i:12+2*i], "%02X", &v); err != nil {
			return packet.Packet{}, fmt.Errorf("%w: bad data in %q", ErrMalformedFrame, line)
		}
		data[i] = v
	}
	return packet.New(id, data), nil
}
