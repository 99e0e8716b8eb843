package uds

import (
	"context"
	"fmt"
)

// Service identifiers used by the high level helpers.
const (
	SIDDiagnosticSessionControl = 0x10
	SIDECUReset                 = 0x11
	SIDReadDataByIdentifier     = 0x22
	SIDSecurityAccess           = 0x27
	SIDWriteDataByIdentifier    = 0x2E
	SIDRequestDownload          = 0x34
	SIDTransferData             = 0x36
	SIDRequestTransferExit      = 0x37
	SIDTesterPresent            = 0x3E
)

// Diagnostic session types.
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
)

// DIDVIN is the data identifier of the vehicle identification number.
const DIDVIN = 0xF190

// DiagnosticSessionControl switches the server to the given session.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte) error {
	_, err := c.RequestContext(ctx, []byte{SIDDiagnosticSessionControl, session})
	return err
}

// ECUReset requests a reset of the given type (0x01 hard reset).
func (c *Client) ECUReset(ctx context.Context, resetType byte) error {
	_, err := c.RequestContext(ctx, []byte{SIDECUReset, resetType})
	return err
}

// TesterPresent keeps the current session alive. The suppress-response
// bit is not set, so the server's ack is awaited.
func (c *Client) TesterPresent(ctx context.Context) error {
	_, err := c.RequestContext(ctx, []byte{SIDTesterPresent, 0x00})
	return err
}

// ReadDataByIdentifier returns the record for one data identifier, with
// the response SID and the echoed identifier stripped.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.RequestContext(ctx, []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("uds: short read response for did 0x%04X", did)
	}
	if got := uint16(resp[1])<<8 | uint16(resp[2]); got != did {
		return nil, fmt.Errorf("uds: read response echoes did 0x%04X, want 0x%04X", got, did)
	}
	return resp[3:], nil
}

// WriteDataByIdentifier writes the record for one data identifier.
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, record []byte) error {
	req := append([]byte{SIDWriteDataByIdentifier, byte(did >> 8), byte(did)}, record...)
	_, err := c.RequestContext(ctx, req)
	return err
}

// ReadVIN reads the vehicle identification number record.
func (c *Client) ReadVIN(ctx context.Context) (string, error) {
	record, err := c.ReadDataByIdentifier(ctx, DIDVIN)
	if err != nil {
		return "", err
	}
	return string(record), nil
}
