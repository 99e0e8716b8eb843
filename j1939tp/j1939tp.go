// Package j1939tp implements the J1939 transport protocol on top of the
// bus: it segments outgoing messages larger than one CAN frame into
// connection management (CM) and data transfer (DT) sequences, and
// reassembles incoming sequences into logical packets that are re-injected
// onto the bus as if they were single frames.
package j1939tp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

const (
	// PGNs of the transport protocol control and data frames.
	PGNConnManagement = 0xEC00
	PGNDataTransfer   = 0xEB00

	// CM control bytes.
	ctrlRTS   = 0x10
	ctrlCTS   = 0x11
	ctrlEOM   = 0x13
	ctrlBAM   = 0x20
	ctrlAbort = 0xFF

	// chunk is the payload carried by each DT frame.
	chunk = 7

	// MaxMessage is the largest transferable message: 255 segments of 7.
	MaxMessage = 255 * chunk

	broadcast = 0xFF
	tpPrio    = 7
)

// Config tunes the engine. Zero durations fall back to defaults.
type Config struct {
	// SourceAddress is our address, used for CTS/EOM handshakes.
	SourceAddress uint8

	// CTSWindow is the number of segments granted per clear-to-send.
	CTSWindow uint8

	// ResponseTimeout bounds the wait for CTS and EndOfMessageAck when
	// sending a directed transfer. Expiry aborts the send; there is no
	// retry.
	ResponseTimeout time.Duration

	// SessionTimeout is the deadline for the next DT frame of an open
	// receive session.
	SessionTimeout time.Duration

	// BAMDelay is the fixed inter-frame gap for broadcast DT frames.
	BAMDelay time.Duration

	// Logger receives session diagnostics. nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the J1939-21 recommended timings.
func DefaultConfig() Config {
	return Config{
		SourceAddress:   0xF9,
		CTSWindow:       0xFF,
		ResponseTimeout: 1250 * time.Millisecond,
		SessionTimeout:  750 * time.Millisecond,
		BAMDelay:        50 * time.Millisecond,
	}
}

// Validate rejects configurations the engine cannot operate with. Zero
// durations are fine; New falls back to defaults for those.
func (c Config) Validate() error {
	if c.SourceAddress == broadcast {
		return errors.New("j1939tp: source address 0xFF is the broadcast address")
	}
	if c.ResponseTimeout < 0 || c.SessionTimeout < 0 || c.BAMDelay < 0 {
		return errors.New("j1939tp: negative timeout")
	}
	return nil
}

// SessionAbortError reports a transport session discarded before
// completion. It never affects other sessions or the bus.
type SessionAbortError struct {
	Source uint8
	Dest   uint8
	PGN    uint32
	Reason string
}

func (e *SessionAbortError) Error() string {
	return fmt.Sprintf("j1939tp: session %02X->%02X pgn %04X aborted: %s",
		e.Source, e.Dest, e.PGN, e.Reason)
}

// sessionKey identifies one in-flight receive session. Broadcast sessions
// use 0xFF as the destination, so one BAM and one directed transfer from
// the same source can be open concurrently.
type sessionKey struct {
	sa uint8
	da uint8
}

type session struct {
	pgn      uint32
	priority uint8
	size     int
	count    int
	data     []byte
	have     []bool
	received int
	deadline time.Time
}

// Engine owns all receive session state from a single goroutine; no other
// code touches sessions.
type Engine struct {
	bus *bus.Bus
	cfg Config
	log *slog.Logger

	lis      *bus.Listener
	sessions map[sessionKey]*session

	done      chan struct{}
	closeOnce sync.Once
}

// New subscribes to the bus and starts the reassembly loop.
func New(b *bus.Bus, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.CTSWindow == 0 {
		cfg.CTSWindow = def.CTSWindow
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.BAMDelay <= 0 {
		cfg.BAMDelay = def.BAMDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		bus:      b,
		cfg:      cfg,
		log:      log,
		lis:      b.Subscribe(),
		sessions: make(map[sessionKey]*session),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// Close stops the reassembly loop and drops all open sessions.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.lis.Close()
		<-e.done
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		p, err := e.lis.Next(100 * time.Millisecond)
		switch {
		case err == nil:
			e.handle(p)
		case errors.Is(err, driver.ErrTimeout):
		default:
			return
		}
		e.sweep()
	}
}

// handle dispatches received transport frames. Our own transmissions also
// fan out on the bus; they are not receive traffic and are skipped.
func (e *Engine) handle(p packet.Packet) {
	if p.Tx() {
		return
	}
	switch p.PGN() {
	case PGNConnManagement:
		e.handleCM(p)
	case PGNDataTransfer:
		e.handleDT(p)
	}
}

func (e *Engine) handleCM(p packet.Packet) {
	data := p.Data()
	if len(data) < 8 {
		return
	}
	switch data[0] {
	case ctrlBAM:
		e.open(p, sessionKey{sa: p.Source(), da: broadcast})
	case ctrlRTS:
		if p.Dest() != e.cfg.SourceAddress {
			return
		}
		key := sessionKey{sa: p.Source(), da: p.Dest()}
		if !e.open(p, key) {
			return
		}
		// Grant the whole transfer in one window, starting at segment 1.
		sess := e.sessions[key]
		cts := []byte{ctrlCTS, min(e.cfg.CTSWindow, uint8(sess.count)), 1, 0xFF, 0xFF,
			byte(sess.pgn), byte(sess.pgn >> 8), byte(sess.pgn >> 16)}
		if err := e.bus.Push(packet.NewJ1939(tpPrio, PGNConnManagement, p.Source(), e.cfg.SourceAddress, cts)); err != nil {
			e.log.Warn("j1939tp: CTS send failed", "err", err)
		}
	case ctrlAbort:
		key := sessionKey{sa: p.Source(), da: p.Dest()}
		if p.Dest() == broadcast {
			key.da = broadcast
		}
		if sess, ok := e.sessions[key]; ok {
			e.abort(key, sess, "abort received")
		}
	}
	// CTS and EndOfMsgAck are handshake traffic for our own outgoing
	// transfers; the sender goroutine watches for those itself.
}

// open parses a BAM or RTS announcement and starts a fresh session. A
// duplicate CM for the same key discards the prior partial buffer.
func (e *Engine) open(p packet.Packet, key sessionKey) bool {
	data := p.Data()
	size := int(data[1]) | int(data[2])<<8
	count := int(data[3])
	pgn := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16

	if prev, ok := e.sessions[key]; ok {
		e.abort(key, prev, "restarted by duplicate connection management frame")
	}
	if size <= 8 || size > MaxMessage || count != (size+chunk-1)/chunk {
		e.log.Debug("j1939tp: rejecting inconsistent announcement",
			"source", key.sa, "pgn", pgn, "size", size, "count", count)
		return false
	}
	e.sessions[key] = &session{
		pgn:      pgn,
		priority: p.Priority(),
		size:     size,
		count:    count,
		data:     make([]byte, count*chunk),
		have:     make([]bool, count),
		deadline: time.Now().Add(e.cfg.SessionTimeout),
	}
	return true
}

func (e *Engine) handleDT(p packet.Packet) {
	key := sessionKey{sa: p.Source(), da: p.Dest()}
	if p.Dest() == broadcast {
		key.da = broadcast
	}
	sess, ok := e.sessions[key]
	if !ok {
		return
	}
	data := p.Data()
	if len(data) < 1 {
		return
	}
	seq := int(data[0])
	if seq < 1 || seq > sess.count {
		e.abort(key, sess, fmt.Sprintf("segment %d outside declared count %d", seq, sess.count))
		return
	}
	// Segments may arrive out of order; each lands at its declared offset.
	copy(sess.data[(seq-1)*chunk:seq*chunk], data[1:])
	if !sess.have[seq-1] {
		sess.have[seq-1] = true
		sess.received++
	}
	sess.deadline = time.Now().Add(e.cfg.SessionTimeout)

	if sess.received < sess.count {
		return
	}
	e.complete(p, key, sess)
}

// complete synthesizes the logical packet, acknowledges directed transfers
// and re-injects the message onto the bus.
func (e *Engine) complete(last packet.Packet, key sessionKey, sess *session) {
	delete(e.sessions, key)

	if key.da != broadcast {
		eom := []byte{ctrlEOM, byte(sess.size), byte(sess.size >> 8), byte(sess.count), 0xFF,
			byte(sess.pgn), byte(sess.pgn >> 8), byte(sess.pgn >> 16)}
		if err := e.bus.Push(packet.NewJ1939(tpPrio, PGNConnManagement, key.sa, e.cfg.SourceAddress, eom)); err != nil {
			e.log.Warn("j1939tp: end of message ack failed", "err", err)
		}
	}

	msg := packet.NewJ1939Rx(last.Time(), last.Channel(), sess.priority, sess.pgn, key.da, key.sa,
		sess.data[:sess.size])
	e.bus.Inject(msg)
}

func (e *Engine) abort(key sessionKey, sess *session, reason string) {
	delete(e.sessions, key)
	err := &SessionAbortError{Source: key.sa, Dest: key.da, PGN: sess.pgn, Reason: reason}
	e.log.Debug("j1939tp: session aborted", "err", err)
}

// sweep drops sessions whose next-segment deadline has passed.
func (e *Engine) sweep() {
	now := time.Now()
	for key, sess := range e.sessions {
		if now.After(sess.deadline) {
			e.abort(key, sess, "receive timeout")
		}
	}
}
