// Package capture persists bus traffic as a stream of CBOR records and
// plays stored captures back onto a bus.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

// Record is one captured packet. Integer keys keep the stream compact.
type Record struct {
	Time    time.Duration `cbor:"1,keyasint"`
	Channel uint8         `cbor:"2,keyasint"`
	ID      uint32        `cbor:"3,keyasint"`
	Tx      bool          `cbor:"4,keyasint,omitempty"`
	Data    []byte        `cbor:"5,keyasint"`
}

// Writer appends packets to a CBOR capture stream.
type Writer struct {
	enc *cbor.Encoder
	n   int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: cbor.NewEncoder(w)}
}

func (w *Writer) Write(p packet.Packet) error {
	rec := Record{
		Time:    p.Time(),
		Channel: p.Channel(),
		ID:      p.ID(),
		Tx:      p.Tx(),
		Data:    p.Data(),
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("capture: encode: %w", err)
	}
	w.n++
	return nil
}

// Count reports how many packets have been written.
func (w *Writer) Count() int { return w.n }

// Reader iterates a CBOR capture stream. Read returns io.EOF at the end.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

func (r *Reader) Read() (packet.Packet, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return packet.Packet{}, io.EOF
		}
		return packet.Packet{}, fmt.Errorf("capture: decode: %w", err)
	}
	if rec.Tx {
		return packet.New(rec.ID, rec.Data).WithTime(rec.Time, rec.Channel), nil
	}
	return packet.NewRx(rec.Time, rec.Channel, rec.ID, rec.Data), nil
}

// Capture subscribes to the bus and writes every packet until the
// context is done or the bus closes. It returns the number of packets
// written.
func Capture(ctx context.Context, b *bus.Bus, w io.Writer) (int, error) {
	lis := b.Subscribe()
	defer lis.Close()

	cw := NewWriter(w)
	for {
		if err := ctx.Err(); err != nil {
			return cw.Count(), nil
		}
		p, err := lis.Next(100 * time.Millisecond)
		if err != nil {
			if errors.Is(err, driver.ErrTimeout) {
				continue
			}
			if errors.Is(err, bus.ErrClosed) {
				return cw.Count(), nil
			}
			return cw.Count(), err
		}
		if err := cw.Write(p); err != nil {
			return cw.Count(), err
		}
	}
}

// Replay injects every record in the stream onto the bus. With realtime
// set, gaps between record timestamps are reproduced; otherwise records
// are injected back to back.
func Replay(ctx context.Context, rd io.Reader, b *bus.Bus, realtime bool) (int, error) {
	r := NewReader(rd)
	n := 0
	var last time.Duration
	for {
		p, err := r.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if realtime && n > 0 && p.Time() > last {
			select {
			case <-time.After(p.Time() - last):
			case <-ctx.Done():
				return n, ctx.Err()
			}
		}
		last = p.Time()
		b.Inject(p)
		n++
	}
}
