// Package uds implements a diagnostic client (ISO 14229) speaking the
// ISO 15765-2 transport over the packet bus: single frames for short
// payloads, first/consecutive frames paced by the server's flow control
// for longer ones.
package uds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

// Config tunes the client. Zero durations fall back to defaults.
type Config struct {
	// RequestID is the CAN id our requests are sent on.
	RequestID uint32

	// ResponseID is the CAN id the server answers on, including its flow
	// control frames.
	ResponseID uint32

	// Timeout bounds the wait for each response. A response-pending
	// negative response extends the wait to PendingTimeout.
	Timeout        time.Duration
	PendingTimeout time.Duration

	// MaxRetries and RetryDelay apply only to retryable negative
	// responses such as busy-repeat-request.
	MaxRetries int
	RetryDelay time.Duration

	// BlockSize and STmin are advertised in our flow control when
	// receiving multi-frame responses. BlockSize 0 grants the whole
	// transfer at once.
	BlockSize byte
	STmin     byte

	// Padding, when set, pads every transmitted frame to 8 bytes.
	Padding *byte

	// Logger receives request diagnostics. nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig addresses ECU 0x00 from tester 0xF9 using the 29-bit
// physical addressing scheme.
func DefaultConfig() Config {
	return Config{
		RequestID:      0x18DA00F9,
		ResponseID:     0x18DAF900,
		Timeout:        500 * time.Millisecond,
		PendingTimeout: 5 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Validate rejects configurations the client cannot operate with.
func (c Config) Validate() error {
	if c.RequestID == c.ResponseID {
		return errors.New("uds: request and response ids must differ")
	}
	if c.RequestID > 0x1FFFFFFF || c.ResponseID > 0x1FFFFFFF {
		return errors.New("uds: ids exceed the 29-bit identifier range")
	}
	return nil
}

// Client issues one request at a time over the bus. Concurrent callers
// are serialized.
type Client struct {
	bus *bus.Bus
	cfg Config
	log *slog.Logger

	mu sync.Mutex
}

// New wraps the bus. The client does not own it; closing the client is
// not needed and closing the bus fails all requests in flight.
func New(b *bus.Bus, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{bus: b, cfg: cfg, log: log}
}

// Request sends a service request and returns the positive response,
// including the response SID. Negative responses surface as *Error;
// retryable ones are retried up to MaxRetries times.
func (c *Client) Request(payload []byte) ([]byte, error) {
	return c.RequestContext(context.Background(), payload)
}

// RequestContext is Request with cancellation.
func (c *Client) RequestContext(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("uds: empty request")
	}
	sid := payload[0]

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("uds: retrying request", "sid", sid, "attempt", attempt)
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.exchange(ctx, payload)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			var ue *Error
			if errors.As(err, &ue) && ue.Retryable() && attempt < c.cfg.MaxRetries {
				lastErr = err
				continue
			}
			return nil, err
		}
		if resp[0] != sid+0x40 {
			return nil, fmt.Errorf("uds: response sid 0x%02X does not match request 0x%02X", resp[0], sid)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("uds: retries exhausted: %w", lastErr)
}

// exchange performs one send/receive round trip, following pending
// negative responses.
func (c *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lis := c.bus.Subscribe()
	defer lis.Close()

	if err := c.send(ctx, lis, payload); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		data, err := c.receive(ctx, lis, deadline)
		if err != nil {
			return nil, err
		}
		if len(data) >= 3 && data[0] == 0x7F {
			if data[2] == NRCResponsePending {
				c.log.Debug("uds: response pending", "sid", data[1])
				deadline = time.Now().Add(c.cfg.PendingTimeout)
				continue
			}
			return nil, &Error{ServiceID: data[1], NRC: data[2]}
		}
		if len(data) == 0 {
			return nil, errors.New("uds: empty response")
		}
		return data, nil
	}
}

// send transmits the payload, segmenting when it does not fit a single
// frame and honoring the server's flow control pacing.
func (c *Client) send(ctx context.Context, lis *bus.Listener, payload []byte) error {
	if len(payload) <= 7 {
		return c.push(singleFrame(payload, c.cfg.Padding))
	}
	if len(payload) > maxTransfer {
		return fmt.Errorf("uds: %d byte request exceeds the %d byte transport limit", len(payload), maxTransfer)
	}

	if err := c.push(firstFrame(len(payload), payload)); err != nil {
		return err
	}

	idx := 6
	seq := byte(1)
	for idx < len(payload) {
		fc, err := c.awaitFlowControl(ctx, lis)
		if err != nil {
			return err
		}
		switch fc.status {
		case flowWait:
			continue
		case flowOverflow:
			return errors.New("uds: server reported flow control overflow")
		}

		gap := stminDuration(fc.stmin)
		sent := 0
		for idx < len(payload) && (fc.blockSize == 0 || sent < int(fc.blockSize)) {
			end := min(idx+7, len(payload))
			if err := c.push(consecutiveFrame(seq, payload[idx:end], c.cfg.Padding)); err != nil {
				return err
			}
			seq = (seq + 1) & 0xF
			idx = end
			sent++
			if idx < len(payload) && gap > 0 {
				time.Sleep(gap)
			}
		}
	}
	return nil
}

// receive assembles one response, answering multi-frame transfers with
// our flow control.
func (c *Client) receive(ctx context.Context, lis *bus.Listener, deadline time.Time) ([]byte, error) {
	for {
		frame, err := c.nextFrame(ctx, lis, deadline)
		if err != nil {
			return nil, err
		}
		switch frame[0] >> 4 {
		case frameSingle:
			n := int(frame[0] & 0xF)
			if n == 0 || n > len(frame)-1 {
				return nil, fmt.Errorf("uds: malformed single frame: % X", frame)
			}
			return frame[1 : 1+n], nil

		case frameFirst:
			if len(frame) < 8 {
				return nil, fmt.Errorf("uds: malformed first frame: % X", frame)
			}
			total := int(frame[0]&0xF)<<8 | int(frame[1])
			if total <= 7 {
				return nil, fmt.Errorf("uds: first frame declares single-frame length %d", total)
			}
			buf := append([]byte{}, frame[2:8]...)
			if err := c.push(flowControlFrame(flowContinue, c.cfg.BlockSize, c.cfg.STmin, c.cfg.Padding)); err != nil {
				return nil, err
			}

			expect := byte(1)
			block := 0
			for len(buf) < total {
				cf, err := c.nextFrame(ctx, lis, deadline)
				if err != nil {
					return nil, err
				}
				if cf[0]>>4 != frameConsecutive {
					return nil, fmt.Errorf("uds: expected consecutive frame, got % X", cf)
				}
				if cf[0]&0xF != expect {
					return nil, fmt.Errorf("uds: sequence error: got %d, want %d", cf[0]&0xF, expect)
				}
				expect = (expect + 1) & 0xF
				buf = append(buf, cf[1:min(len(cf), 1+total-len(buf))]...)

				block++
				if c.cfg.BlockSize > 0 && len(buf) < total && block%int(c.cfg.BlockSize) == 0 {
					if err := c.push(flowControlFrame(flowContinue, c.cfg.BlockSize, c.cfg.STmin, c.cfg.Padding)); err != nil {
						return nil, err
					}
				}
			}
			return buf, nil

		default:
			// Flow control here belongs to our own outgoing transfer;
			// anything else on the response id is not for us.
			continue
		}
	}
}

func (c *Client) awaitFlowControl(ctx context.Context, lis *bus.Listener) (flowControl, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		frame, err := c.nextFrame(ctx, lis, deadline)
		if err != nil {
			return flowControl{}, err
		}
		if frame[0]>>4 != frameFlowControl {
			continue
		}
		return parseFlowControl(frame)
	}
}

// nextFrame returns the next frame from the server's response id.
func (c *Client) nextFrame(ctx context.Context, lis *bus.Listener, deadline time.Time) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("uds: response timeout: %w", driver.ErrTimeout)
		}
		p, err := lis.Next(min(remaining, 50*time.Millisecond))
		if err != nil {
			if errors.Is(err, driver.ErrTimeout) {
				continue
			}
			return nil, err
		}
		if p.Tx() || p.ID() != c.cfg.ResponseID || p.Len() == 0 {
			continue
		}
		return p.Data(), nil
	}
}

func (c *Client) push(frame []byte) error {
	return c.bus.Push(packet.New(c.cfg.RequestID, frame))
}
