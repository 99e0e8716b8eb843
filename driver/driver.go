// Package driver contains the adapter backends that move frames between the
// process and a vehicle network: RP1210 vendor drivers, SLCAN serial
// adapters, Linux SocketCAN, and an in-memory simulator for tests.
//
// All backends satisfy Driver. Send and Receive never contend on the same
// internal state, so one goroutine may send while another receives.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vehiclelink/canadapter/packet"
)

// Driver is the capability contract every backend implements.
type Driver interface {
	// Send transmits one frame. It never blocks longer than the backend's
	// send timeout.
	Send(p packet.Packet) error

	// Receive returns the next frame from the network, waiting up to
	// timeout. ErrTimeout is a normal outcome, not a failure.
	Receive(timeout time.Duration) (packet.Packet, error)

	// Address returns the adapter-local J1939 source address.
	Address() uint8

	Close() error
}

var (
	// ErrTimeout reports that no frame arrived within the requested window.
	ErrTimeout = errors.New("driver: receive timed out")

	// ErrClosed reports use of a driver after Close.
	ErrClosed = errors.New("driver: closed")

	// ErrMalformedFrame reports a frame the backend could not decode.
	// Backends log and drop such frames; it never tears anything down.
	ErrMalformedFrame = errors.New("driver: malformed frame")
)

// OpenError means the backend could not be brought up at all. It is fatal
// to the bus instance being constructed.
type OpenError struct {
	Backend string
	Code    int // native status code, 0 when not applicable
	Err     error
}

func (e *OpenError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: open failed (code %d): %v", e.Backend, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: open failed: %v", e.Backend, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// IOError wraps a single failed send or receive call.
type IOError struct {
	Op   string // "send" or "receive"
	Code int    // native status code, 0 when not applicable
	Err  error
}

func (e *IOError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("driver: %s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("driver: %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Options carries addressing defaults and plumbing shared by all backends.
// It replaces process-wide defaults so multiple instances never interfere.
type Options struct {
	// SourceAddress is the adapter-local address claimed on the network.
	SourceAddress uint8

	// DestinationAddress is the default destination for queries.
	DestinationAddress uint8

	// Timeout bounds individual native calls where the backend needs one.
	Timeout time.Duration

	// Logger receives malformed-frame warnings and backend diagnostics.
	// nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the conventional off-board tool addressing.
func DefaultOptions() Options {
	return Options{
		SourceAddress:      0xF9,
		DestinationAddress: 0xFF,
		Timeout:            2 * time.Second,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Open dispatches a connection descriptor to the backend it names:
//
//	sim
//	slcan:<device>:<kbps>
//	socketcan:<interface>
//	rp1210:<api>:<device id>[:<connection string>]
//
// Descriptors are opaque to everything above this function.
func Open(descriptor string, opts Options) (Driver, error) {
	parts := strings.SplitN(descriptor, ":", 2)
	switch parts[0] {
	case "sim":
		return NewSim(opts), nil
	case "slcan":
		args := strings.Split(rest(parts), ":")
		if len(args) != 2 {
			return nil, &OpenError{Backend: "slcan", Err: fmt.Errorf("descriptor %q: want slcan:<device>:<kbps>", descriptor)}
		}
		speed, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, &OpenError{Backend: "slcan", Err: fmt.Errorf("descriptor %q: bad speed: %w", descriptor, err)}
		}
		return NewSlcan(args[0], speed, opts)
	case "socketcan":
		iface := rest(parts)
		if iface == "" {
			return nil, &OpenError{Backend: "socketcan", Err: fmt.Errorf("descriptor %q: want socketcan:<interface>", descriptor)}
		}
		return NewSocketCAN(iface, opts)
	case "rp1210":
		args := strings.SplitN(rest(parts), ":", 3)
		if len(args) < 2 {
			return nil, &OpenError{Backend: "rp1210", Err: fmt.Errorf("descriptor %q: want rp1210:<api>:<device id>[:<connection string>]", descriptor)}
		}
		devID, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, &OpenError{Backend: "rp1210", Err: fmt.Errorf("descriptor %q: bad device id: %w", descriptor, err)}
		}
		connStr := defaultConnectionString
		if len(args) == 3 {
			connStr = args[2]
		}
		return NewRP1210(args[0], int16(devID), connStr, opts)
	default:
		return nil, &OpenError{Backend: parts[0], Err: errors.New("unknown backend")}
	}
}

func rest(parts []string) string {
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
