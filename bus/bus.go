// Package bus multiplexes one adapter backend to any number of independent
// listeners. A single background goroutine owns the backend's read path;
// producers push packets for transmission from any goroutine.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

// ErrClosed is returned once the bus has shut down or degraded. A degraded
// bus is terminal: construct a new bus on a fresh backend to recover.
var ErrClosed = errors.New("bus: closed")

// Config tunes the bus. Zero values fall back to defaults.
type Config struct {
	// PollTimeout bounds each backend Receive call in the read loop.
	PollTimeout time.Duration

	// Logger receives read loop diagnostics. nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the standard polling cadence.
func DefaultConfig() Config {
	return Config{PollTimeout: 50 * time.Millisecond}
}

// Bus owns exactly one backend. Every packet placed on the bus, whether it
// came from the backend read path, from Push or from Inject, is delivered
// to every currently registered listener exactly once, in bus order.
type Bus struct {
	drv   driver.Driver
	log   *slog.Logger
	poll  time.Duration
	start time.Time

	sendMu sync.Mutex // producers never send on the backend concurrently

	mu        sync.Mutex
	listeners map[uint64]*Listener
	nextID    uint64
	seq       uint64
	err       error
	closed    bool

	done chan struct{}
}

// New wraps the backend and starts the read loop. The bus takes ownership
// of the driver; Close closes it.
func New(drv driver.Driver, cfg Config) *Bus {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		drv:       drv,
		log:       log,
		poll:      cfg.PollTimeout,
		start:     time.Now(),
		listeners: make(map[uint64]*Listener),
		done:      make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// Address returns the backend's adapter-local source address.
func (b *Bus) Address() uint8 { return b.drv.Address() }

func (b *Bus) readLoop() {
	defer close(b.done)
	for {
		p, err := b.drv.Receive(b.poll)
		switch {
		case err == nil:
			b.fanOut(p)
		case errors.Is(err, driver.ErrTimeout):
			if b.isClosed() {
				return
			}
		case errors.Is(err, driver.ErrClosed):
			b.shutdown(ErrClosed)
			return
		default:
			// Hard backend failure: degrade, tell every listener, stop.
			b.log.Error("bus: backend read failed, degrading", "err", err)
			b.shutdown(err)
			return
		}
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fanOut copies the packet into every live listener queue and lazily drops
// listeners that have been closed by their consumers.
func (b *Bus) fanOut(p packet.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	for id, l := range b.listeners {
		if !l.put(p) {
			delete(b.listeners, id)
		}
	}
}

func (b *Bus) shutdown(cause error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = cause
	listeners := b.listeners
	b.listeners = make(map[uint64]*Listener)
	b.mu.Unlock()

	for _, l := range listeners {
		l.fail(cause)
	}
}

// Push sends the packet on the backend and fans it out to all listeners so
// a sender observes its own transmissions in the unified stream. Backend
// send failures are returned to the caller; the bus never retries.
func (b *Bus) Push(p packet.Packet) error {
	b.mu.Lock()
	if b.closed {
		err := b.err
		b.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	b.mu.Unlock()

	b.sendMu.Lock()
	err := b.drv.Send(p)
	b.sendMu.Unlock()
	if err != nil {
		return err
	}
	b.fanOut(p.WithTime(time.Since(b.start), p.Channel()))
	return nil
}

// Inject fans the packet out without touching the backend. The transport
// protocol engine uses this to re-deliver reassembled messages as if they
// were single frames.
func (b *Bus) Inject(p packet.Packet) {
	b.fanOut(p)
}

// Subscribe registers a new independent listener. Packets distributed
// before registration are not replayed.
func (b *Bus) Subscribe() *Listener {
	l := &Listener{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		l.failLocked(firstErr(b.err, ErrClosed))
		return l
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return l
}

// IterFor subscribes and yields packets until the duration elapses. The
// deadline is hard: the channel closes even if the backend keeps producing.
func (b *Bus) IterFor(d time.Duration) <-chan packet.Packet {
	l := b.Subscribe()
	out := make(chan packet.Packet)
	deadline := time.Now().Add(d)
	go func() {
		defer close(out)
		defer l.Close()
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			p, err := l.Next(remaining)
			if err != nil {
				return
			}
			select {
			case out <- p:
			case <-time.After(time.Until(deadline)):
				return
			}
		}
	}()
	return out
}

// Close shuts the bus down and closes the backend. Listeners see ErrClosed
// after draining their queues.
func (b *Bus) Close() error {
	b.shutdown(ErrClosed)
	err := b.drv.Close()
	<-b.done
	return err
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Listener is one independent FIFO view of the bus. Its queue is unbounded
// so a slow consumer can never stall the read loop or other listeners.
type Listener struct {
	mu     sync.Mutex
	queue  []packet.Packet
	err    error
	closed bool

	notify chan struct{} // capacity 1, poked on every put
	done   chan struct{}
}

// put appends to the queue. It reports false once the listener is closed
// so the bus can unregister it.
func (l *Listener) put(p packet.Packet) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, p)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Next returns the next packet in bus order, waiting up to timeout.
// driver.ErrTimeout is returned when the window elapses with no packet;
// after the listener or bus is closed, queued packets drain first and then
// the closing error is returned.
func (l *Listener) Next(timeout time.Duration) (packet.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			p := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return p, nil
		}
		if l.closed {
			err := firstErr(l.err, ErrClosed)
			l.mu.Unlock()
			return packet.Packet{}, err
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-l.done:
		case <-timer.C:
			return packet.Packet{}, driver.ErrTimeout
		}
	}
}

// Close unregisters the listener. The read loop also detects closed
// listeners lazily, so dropping one mid-stream is always safe.
func (l *Listener) Close() {
	l.mu.Lock()
	l.failLocked(nil)
	l.mu.Unlock()
}

func (l *Listener) fail(cause error) {
	l.mu.Lock()
	l.failLocked(cause)
	l.mu.Unlock()
}

// failLocked requires l.mu held (or exclusive access during construction).
func (l *Listener) failLocked(cause error) {
	if l.closed {
		return
	}
	l.closed = true
	l.err = cause
	close(l.done)
}

// Err reports why the listener stopped: nil for a consumer-initiated Close,
// the backend error when the bus degraded.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
