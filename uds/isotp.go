package uds

import (
	"fmt"
	"time"
)

// ISO 15765-2 frame types, encoded in the high nibble of the PCI byte.
const (
	frameSingle      = 0x0
	frameFirst       = 0x1
	frameConsecutive = 0x2
	frameFlowControl = 0x3
)

// Flow control statuses.
const (
	flowContinue = 0x0
	flowWait     = 0x1
	flowOverflow = 0x2
)

// maxTransfer is the largest payload a classic-CAN first frame can declare.
const maxTransfer = 0xFFF

// singleFrame builds an SF for payloads up to 7 bytes.
func singleFrame(payload []byte, padding *byte) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, byte(frameSingle<<4|len(payload)))
	frame = append(frame, payload...)
	return pad(frame, padding)
}

// firstFrame builds the FF carrying the total length and the first 6 bytes.
func firstFrame(total int, payload []byte) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, byte(frameFirst<<4|(total>>8)&0xF), byte(total))
	return append(frame, payload[:6]...)
}

// consecutiveFrame builds a CF with the 4-bit rolling sequence number.
func consecutiveFrame(seq byte, chunk []byte, padding *byte) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, byte(frameConsecutive<<4)|seq&0xF)
	frame = append(frame, chunk...)
	return pad(frame, padding)
}

// flowControlFrame builds an FC with the given status, block size and STmin.
func flowControlFrame(status, blockSize, stmin byte, padding *byte) []byte {
	return pad([]byte{byte(frameFlowControl<<4) | status&0xF, blockSize, stmin}, padding)
}

func pad(frame []byte, padding *byte) []byte {
	if padding == nil {
		return frame
	}
	for len(frame) < 8 {
		frame = append(frame, *padding)
	}
	return frame
}

// stminDuration decodes the FC separation time byte: 0x00-0x7F are
// milliseconds, 0xF1-0xF9 are 100-900 microseconds, the rest are reserved
// and read as the maximum 127ms.
func stminDuration(st byte) time.Duration {
	switch {
	case st <= 0x7F:
		return time.Duration(st) * time.Millisecond
	case st >= 0xF1 && st <= 0xF9:
		return time.Duration(st-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}

type flowControl struct {
	status    byte
	blockSize byte
	stmin     byte
}

func parseFlowControl(frame []byte) (flowControl, error) {
	if len(frame) < 3 || frame[0]>>4 != frameFlowControl {
		return flowControl{}, fmt.Errorf("uds: not a flow control frame: % X", frame)
	}
	fc := flowControl{status: frame[0] & 0xF, blockSize: frame[1], stmin: frame[2]}
	if fc.status > flowOverflow {
		return flowControl{}, fmt.Errorf("uds: unknown flow status %d", fc.status)
	}
	return fc, nil
}
