package uds

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// defaultBlockLength caps transfer blocks when the server's
// RequestDownload response does not state a usable maximum.
const defaultBlockLength = 0x0FF2

// Download flashes an Intel HEX image: each contiguous data segment is
// sent through RequestDownload / TransferData / RequestTransferExit. The
// caller is expected to have entered the programming session and
// unlocked security access first.
func (c *Client) Download(ctx context.Context, image io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(image); err != nil {
		return fmt.Errorf("uds: parse hex image: %w", err)
	}

	for _, segment := range mem.GetDataSegments() {
		if err := c.downloadSegment(ctx, segment.Address, segment.Data); err != nil {
			return fmt.Errorf("uds: segment 0x%08X: %w", segment.Address, err)
		}
	}
	return nil
}

func (c *Client) downloadSegment(ctx context.Context, address uint32, data []byte) error {
	// dataFormat 0x00 (no compression/encryption), 4-byte address and
	// size fields.
	req := make([]byte, 0, 11)
	req = append(req, SIDRequestDownload, 0x00, 0x44)
	req = binary.BigEndian.AppendUint32(req, address)
	req = binary.BigEndian.AppendUint32(req, uint32(len(data)))

	resp, err := c.RequestContext(ctx, req)
	if err != nil {
		return err
	}
	blockLength := maxBlockLength(resp)

	// The block length includes the SID and counter bytes.
	payloadPer := blockLength - 2
	counter := byte(1)
	for off := 0; off < len(data); off += payloadPer {
		end := min(off+payloadPer, len(data))
		block := append([]byte{SIDTransferData, counter}, data[off:end]...)
		if _, err := c.RequestContext(ctx, block); err != nil {
			return fmt.Errorf("block %d: %w", counter, err)
		}
		counter++
	}

	_, err = c.RequestContext(ctx, []byte{SIDRequestTransferExit})
	return err
}

// maxBlockLength extracts maxNumberOfBlockLength from the
// RequestDownload response: [0x74, lengthFormat<<4, N bytes big endian].
func maxBlockLength(resp []byte) int {
	if len(resp) < 2 {
		return defaultBlockLength
	}
	n := int(resp[1] >> 4)
	if n == 0 || n > 4 || len(resp) < 2+n {
		return defaultBlockLength
	}
	length := 0
	for _, b := range resp[2 : 2+n] {
		length = length<<8 | int(b)
	}
	if length <= 2 || length > maxTransfer {
		return defaultBlockLength
	}
	return length
}
