//go:build !windows

package driver

import "errors"

// RP1210 vendor drivers are Windows DLLs.
type RP1210 struct{ unsupported }

// NewRP1210 always fails off Windows.
func NewRP1210(api string, deviceID int16, connStr string, opts Options) (*RP1210, error) {
	return nil, &OpenError{Backend: "rp1210", Err: errors.New("rp1210 vendor drivers are only available on windows")}
}
