//go:build !linux

package driver

import "errors"

// SocketCAN requires the Linux kernel CAN stack.
type SocketCAN struct{ unsupported }

// NewSocketCAN always fails off Linux.
func NewSocketCAN(iface string, opts Options) (*SocketCAN, error) {
	return nil, &OpenError{Backend: "socketcan", Err: errors.New("socketcan is only available on linux")}
}
