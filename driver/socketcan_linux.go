//go:build linux

package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vehiclelink/canadapter/packet"
)

// canFrameSize is the fixed size of the kernel can_frame struct.
const canFrameSize = 16

// SocketCAN is the Linux kernel CAN backend: a raw CAN_RAW socket bound to
// a named interface. Loopback and recv-own-msgs are enabled so the bus sees
// our own transmissions the same way hardware adapters echo them.
type SocketCAN struct {
	opts  Options
	start time.Time
	iface string

	fd   int
	wmu  sync.Mutex // serializes writers; reads use the kernel queue
	rmu  sync.Mutex // guards SO_RCVTIMEO against concurrent Receive misuse
	prev time.Duration
}

// NewSocketCAN opens a raw CAN socket on the named interface.
func NewSocketCAN(iface string, opts Options) (*SocketCAN, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, &OpenError{Backend: "socketcan", Err: err}
	}
	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		unix.Close(fd)
		return nil, &OpenError{Backend: "socketcan", Err: err}
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr); err != nil {
		unix.Close(fd)
		return nil, &OpenError{Backend: "socketcan", Err: fmt.Errorf("interface %s: %w", iface, err)}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: int(ifr.Uint32())}); err != nil {
		unix.Close(fd)
		return nil, &OpenError{Backend: "socketcan", Err: err}
	}
	for _, opt := range []int{unix.CAN_RAW_LOOPBACK, unix.CAN_RAW_RECV_OWN_MSGS} {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, opt, 1); err != nil {
			unix.Close(fd)
			return nil, &OpenError{Backend: "socketcan", Err: err}
		}
	}
	return &SocketCAN{opts: opts, start: time.Now(), iface: iface, fd: fd, prev: -1}, nil
}

// Send writes one kernel frame. Payloads over 8 bytes must go through the
// transport protocol first.
func (s *SocketCAN) Send(p packet.Packet) error {
	if p.Len() > 8 {
		return &IOError{Op: "send", Err: fmt.Errorf("%d byte payload exceeds a CAN frame", p.Len())}
	}
	var frame [canFrameSize]byte
	binary.LittleEndian.PutUint32(frame[0:4], p.ID()|unix.CAN_EFF_FLAG)
	frame[4] = byte(p.Len())
	copy(frame[8:], p.Data())

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := unix.Write(s.fd, frame[:]); err != nil {
		return &IOError{Op: "send", Err: err}
	}
	return nil
}

// Receive blocks in the kernel up to timeout via SO_RCVTIMEO.
func (s *SocketCAN) Receive(timeout time.Duration) (packet.Packet, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if timeout != s.prev {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return packet.Packet{}, &IOError{Op: "receive", Err: err}
		}
		s.prev = timeout
	}

	var frame [canFrameSize]byte
	n, err := unix.Read(s.fd, frame[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return packet.Packet{}, ErrTimeout
		}
		return packet.Packet{}, &IOError{Op: "receive", Err: err}
	}
	if n < canFrameSize {
		return packet.Packet{}, fmt.Errorf("%w: short read (%d bytes)", ErrMalformedFrame, n)
	}
	id := binary.LittleEndian.Uint32(frame[0:4]) & unix.CAN_EFF_MASK
	dlc := int(frame[4])
	if dlc > 8 {
		dlc = 8
	}
	return packet.NewRx(time.Since(s.start), 0, id, frame[8:8+dlc]), nil
}

func (s *SocketCAN) Address() uint8 { return s.opts.SourceAddress }

func (s *SocketCAN) Close() error { return unix.Close(s.fd) }
