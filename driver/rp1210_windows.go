//go:build windows

package driver

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/vehiclelink/canadapter/packet"
)

// RP1210 drives a vendor adapter through its dynamically loaded DLL. The
// calling contract is fixed by the RP1210 standard: ClientConnect,
// SendMessage, ReadMessage, SendCommand, GetErrorMsg, ClientDisconnect.
type RP1210 struct {
	opts  Options
	start time.Time
	api   string

	dll        *syscall.LazyDLL
	connect    *syscall.LazyProc
	send       *syscall.LazyProc
	read       *syscall.LazyProc
	command    *syscall.LazyProc
	getError   *syscall.LazyProc
	disconnect *syscall.LazyProc

	clientID uintptr
	weight   float64

	wmu sync.Mutex
}

// NewRP1210 loads the named vendor API, connects the client and configures
// address claim, transmit echo and pass-all filters.
func NewRP1210(api string, deviceID int16, connStr string, opts Options) (*RP1210, error) {
	r := &RP1210{
		opts:   opts,
		start:  time.Now(),
		api:    api,
		dll:    syscall.NewLazyDLL(api + ".dll"),
		weight: timeStampWeight(api),
	}
	if err := r.dll.Load(); err != nil {
		return nil, &OpenError{Backend: "rp1210", Err: fmt.Errorf("loading %s.dll: %w", api, err)}
	}
	r.connect = r.dll.NewProc("RP1210_ClientConnect")
	r.send = r.dll.NewProc("RP1210_SendMessage")
	r.read = r.dll.NewProc("RP1210_ReadMessage")
	r.command = r.dll.NewProc("RP1210_SendCommand")
	r.getError = r.dll.NewProc("RP1210_GetErrorMsg")
	r.disconnect = r.dll.NewProc("RP1210_ClientDisconnect")
	for _, p := range []*syscall.LazyProc{r.connect, r.send, r.read, r.command, r.getError, r.disconnect} {
		if err := p.Find(); err != nil {
			return nil, &OpenError{Backend: "rp1210", Err: err}
		}
	}

	cstr := append([]byte(connStr), 0)
	ret, _, _ := r.connect.Call(0, uintptr(uint16(deviceID)), uintptr(unsafe.Pointer(&cstr[0])), 0, 0, 0)
	id, err := r.verify(ret)
	if err != nil {
		return nil, &OpenError{Backend: "rp1210", Code: int(int16(ret)), Err: err}
	}
	r.clientID = uintptr(uint16(id))

	// Claim our address, ask the driver to echo transmissions back into the
	// read stream, and open the filters.
	claim := []byte{opts.SourceAddress, 0, 0, 0xE0, 0xFF, 0, 0x81, 0, 0, 0}
	if _, err := r.sendCommand(cmdProtectJ1939Address, claim); err != nil {
		r.Close()
		return nil, &OpenError{Backend: "rp1210", Err: fmt.Errorf("address claim: %w", err)}
	}
	if _, err := r.sendCommand(cmdEchoTransmitted, []byte{1}); err != nil {
		r.Close()
		return nil, &OpenError{Backend: "rp1210", Err: fmt.Errorf("echo on: %w", err)}
	}
	if _, err := r.sendCommand(cmdSetAllFiltersToPass, nil); err != nil {
		r.Close()
		return nil, &OpenError{Backend: "rp1210", Err: fmt.Errorf("filters: %w", err)}
	}
	return r, nil
}

// verify applies the RP1210 return convention: 0..127 is success, anything
// else is an error code whose text GetErrorMsg can fetch.
func (r *RP1210) verify(ret uintptr) (int16, error) {
	v := int16(ret)
	if v >= 0 && v <= 127 {
		return v, nil
	}
	return v, fmt.Errorf("code %d: %s", v, r.errorText(v))
}

func (r *RP1210) errorText(code int16) string {
	buf := make([]byte, 1024)
	n, _, _ := r.getError.Call(uintptr(uint16(code)), uintptr(unsafe.Pointer(&buf[0])))
	size := int(int16(n))
	if size < 0 || size > len(buf) {
		return "unknown error"
	}
	return strings.TrimRight(string(buf[:size]), "\x00")
}

func (r *RP1210) sendCommand(cmd uint16, data []byte) (int16, error) {
	ptr := uintptr(0)
	if len(data) > 0 {
		ptr = uintptr(unsafe.Pointer(&data[0]))
	}
	ret, _, _ := r.command.Call(uintptr(cmd), r.clientID, ptr, uintptr(len(data)))
	return r.verify(ret)
}

// Send encodes and hands the frame to the vendor driver.
func (r *RP1210) Send(p packet.Packet) error {
	buf := encodeRP1210Tx(p)
	r.wmu.Lock()
	defer r.wmu.Unlock()
	ret, _, _ := r.send.Call(r.clientID, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0, 0)
	if _, err := r.verify(ret); err != nil {
		return &IOError{Op: "send", Code: int(int16(ret)), Err: err}
	}
	return nil
}

// Receive polls the vendor read entry point until a message arrives or the
// timeout elapses. Vendor decode failures are dropped with a warning.
func (r *RP1210) Receive(timeout time.Duration) (packet.Packet, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, rp1210PacketSize)
	for {
		ret, _, _ := r.read.Call(r.clientID, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
		size := int(int16(ret))
		switch {
		case size > 0:
			p, err := decodeRP1210Rx(buf[:size], r.weight)
			if err != nil {
				r.opts.logger().Warn("rp1210: dropping malformed message", "api", r.api, "err", err)
				continue
			}
			return p, nil
		case size < 0:
			code := int16(-size)
			return packet.Packet{}, &IOError{Op: "receive", Code: int(code), Err: fmt.Errorf("%s", r.errorText(code))}
		}
		if time.Now().After(deadline) {
			return packet.Packet{}, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *RP1210) Address() uint8 { return r.opts.SourceAddress }

func (r *RP1210) Close() error {
	r.disconnect.Call(r.clientID)
	return nil
}
