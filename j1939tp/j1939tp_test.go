package j1939tp

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BAMDelay = time.Millisecond
	cfg.SessionTimeout = 200 * time.Millisecond
	cfg.ResponseTimeout = 200 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	b := bus.New(driver.NewSim(driver.DefaultOptions()), bus.DefaultConfig())
	e := New(b, testConfig())
	t.Cleanup(func() {
		e.Close()
		b.Close()
	})
	return e, b
}

// injectBAM feeds a BAM announcement for size bytes of pgn from sa.
func injectBAM(b *bus.Bus, sa uint8, pgn uint32, size int) {
	count := segments(size)
	b.Inject(packet.NewJ1939Rx(0, 0, tpPrio, PGNConnManagement, 0xFF, sa,
		[]byte{ctrlBAM, byte(size), byte(size >> 8), byte(count), 0xFF,
			byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}))
}

// injectDT feeds the 1-based segment seq of data from sa.
func injectDT(b *bus.Bus, sa uint8, data []byte, seq int) {
	body := [8]byte{byte(seq), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	copy(body[1:], data[(seq-1)*chunk:])
	b.Inject(packet.NewJ1939Rx(0, 0, tpPrio, PGNDataTransfer, 0xFF, sa, body[:]))
}

// awaitReassembled waits for the injected logical packet (payload > 8).
func awaitReassembled(t *testing.T, l *bus.Listener, timeout time.Duration) (packet.Packet, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return packet.Packet{}, false
		}
		p, err := l.Next(remaining)
		if err != nil {
			return packet.Packet{}, false
		}
		if p.Len() > 8 {
			return p, true
		}
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}
	return data
}

func TestBAMReassemblyTwoSegments(t *testing.T) {
	_, b := newEngine(t)
	l := b.Subscribe()
	defer l.Close()

	data := pattern(12)
	injectBAM(b, 0x00, 0xFEEC, len(data))
	injectDT(b, 0x00, data, 1)
	injectDT(b, 0x00, data, 2)

	p, ok := awaitReassembled(t, l, time.Second)
	if !ok {
		t.Fatal("no reassembled packet")
	}
	if p.Len() != 12 {
		t.Fatalf("reassembled length = %d, want 12", p.Len())
	}
	if !bytes.Equal(p.Data(), data) {
		t.Errorf("reassembled data = %X, want %X", p.Data(), data)
	}
	if p.PGN() != 0xFEEC || p.Source() != 0x00 {
		t.Errorf("pgn/source = %04X/%02X", p.PGN(), p.Source())
	}
	if p.Tx() {
		t.Error("reassembled packet should be incoming")
	}
}

func TestBAMOutOfOrderSegments(t *testing.T) {
	_, b := newEngine(t)
	l := b.Subscribe()
	defer l.Close()

	data := pattern(21)
	injectBAM(b, 0x17, 0xFEEB, len(data))
	for _, seq := range []int{3, 1, 2} {
		injectDT(b, 0x17, data, seq)
	}

	p, ok := awaitReassembled(t, l, time.Second)
	if !ok {
		t.Fatal("no reassembled packet")
	}
	if !bytes.Equal(p.Data(), data) {
		t.Errorf("out of order delivery corrupted payload: %X", p.Data())
	}
}

func TestDuplicateCMRestartsSession(t *testing.T) {
	_, b := newEngine(t)
	l := b.Subscribe()
	defer l.Close()

	first := pattern(20)
	second := []byte("restarted message") // 17 bytes, 3 segments

	injectBAM(b, 0x17, 0xFEEB, len(first))
	injectDT(b, 0x17, first, 1)
	// New announcement for the same key discards the partial buffer.
	injectBAM(b, 0x17, 0xFEEB, len(second))
	for seq := 1; seq <= segments(len(second)); seq++ {
		injectDT(b, 0x17, second, seq)
	}

	p, ok := awaitReassembled(t, l, time.Second)
	if !ok {
		t.Fatal("no reassembled packet")
	}
	if !bytes.Equal(p.Data(), second) {
		t.Errorf("got %q, want the restarted message", p.Data())
	}
}

func TestSegmentBeyondCountAborts(t *testing.T) {
	_, b := newEngine(t)
	l := b.Subscribe()
	defer l.Close()

	data := pattern(14) // 2 segments
	injectBAM(b, 0x17, 0xFEEB, len(data))
	injectDT(b, 0x17, append(data, make([]byte, chunk)...), 3) // out of range
	injectDT(b, 0x17, data, 1)
	injectDT(b, 0x17, data, 2)

	if _, ok := awaitReassembled(t, l, 300*time.Millisecond); ok {
		t.Fatal("session should have aborted on the out-of-range segment")
	}
}

func TestSessionTimeoutThenFreshCM(t *testing.T) {
	_, b := newEngine(t)
	l := b.Subscribe()
	defer l.Close()

	data := pattern(21)
	injectBAM(b, 0x17, 0xFEEB, len(data))
	injectDT(b, 0x17, data, 1)
	// Never send the rest; the deadline sweep aborts the session.
	time.Sleep(400 * time.Millisecond)

	// The identical announcement starts over and completes.
	injectBAM(b, 0x17, 0xFEEB, len(data))
	for seq := 1; seq <= 3; seq++ {
		injectDT(b, 0x17, data, seq)
	}
	p, ok := awaitReassembled(t, l, time.Second)
	if !ok {
		t.Fatal("fresh session after timeout did not complete")
	}
	if !bytes.Equal(p.Data(), data) {
		t.Errorf("payload mismatch after session restart")
	}
}

func TestBAMRoundTrip(t *testing.T) {
	for _, size := range []int{9, 12, 100, 1785} {
		sender, senderBus := newEngine(t)
		tap := senderBus.Subscribe()

		data := pattern(size)
		msg := packet.NewJ1939(6, 0xFEEB, 0xFF, 0xF9, data)
		if err := sender.Send(msg); err != nil {
			t.Fatalf("size %d: Send: %v", size, err)
		}

		// Capture the emitted CM+DT frames.
		var frames []packet.Packet
		for {
			p, err := tap.Next(100 * time.Millisecond)
			if err != nil {
				break
			}
			if p.PGN() == PGNConnManagement || p.PGN() == PGNDataTransfer {
				frames = append(frames, p)
			}
		}
		tap.Close()
		if want := 1 + segments(size); len(frames) != want {
			t.Fatalf("size %d: emitted %d frames, want %d", size, len(frames), want)
		}

		// Feed them, in order, into a fresh engine as received traffic.
		_, receiver := newEngine(t)
		l := receiver.Subscribe()
		for _, f := range frames {
			receiver.Inject(packet.NewRx(0, 0, f.ID(), f.Data()))
		}
		p, ok := awaitReassembled(t, l, time.Second)
		l.Close()
		if !ok {
			t.Fatalf("size %d: no reassembled packet", size)
		}
		if p.Len() != size || !bytes.Equal(p.Data(), data) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
		if p.PGN() != 0xFEEB {
			t.Errorf("size %d: pgn = %04X, want FEEB", size, p.PGN())
		}
	}
}

func TestShortSendPassesThrough(t *testing.T) {
	e, b := newEngine(t)
	l := b.Subscribe()
	defer l.Close()

	if err := e.Send(packet.NewJ1939(6, 0xFEF1, 0xFF, 0xF9, []byte{1, 2, 3})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p, err := l.Next(time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if p.PGN() != 0xFEF1 || p.Len() != 3 {
		t.Errorf("passthrough mangled the frame: %v", p)
	}
}

func TestSendTooLong(t *testing.T) {
	e, _ := newEngine(t)
	err := e.Send(packet.NewJ1939(6, 0xFEEB, 0xFF, 0xF9, make([]byte, MaxMessage+1)))
	if err == nil {
		t.Fatal("oversized send should fail")
	}
}

func TestDirectedSendHandshake(t *testing.T) {
	e, b := newEngine(t)

	// Play the remote receiver 0x21: answer the RTS with one full CTS and
	// acknowledge completion.
	remote := b.Subscribe()
	defer remote.Close()
	go func() {
		var got int
		var count int
		for {
			p, err := remote.Next(time.Second)
			if err != nil {
				return
			}
			if p.PGN() == PGNConnManagement && p.Data()[0] == ctrlRTS && p.Dest() == 0x21 {
				count = int(p.Data()[3])
				pgn := p.Data()[5:8]
				b.Inject(packet.NewJ1939Rx(0, 0, tpPrio, PGNConnManagement, 0xF9, 0x21,
					[]byte{ctrlCTS, byte(count), 1, 0xFF, 0xFF, pgn[0], pgn[1], pgn[2]}))
			}
			if p.PGN() == PGNDataTransfer && p.Dest() == 0x21 {
				got++
				if got == count {
					b.Inject(packet.NewJ1939Rx(0, 0, tpPrio, PGNConnManagement, 0xF9, 0x21,
						[]byte{ctrlEOM, 0, 0, byte(count), 0xFF, 0x00, 0xEF, 0x00}))
				}
			}
		}
	}()

	data := pattern(30)
	if err := e.Send(packet.NewJ1939(6, 0xEF00, 0x21, 0xF9, data)); err != nil {
		t.Fatalf("directed Send: %v", err)
	}
}

func TestDirectedSendCTSTimeout(t *testing.T) {
	e, _ := newEngine(t)

	err := e.Send(packet.NewJ1939(6, 0xEF00, 0x21, 0xF9, pattern(30)))
	var abort *SessionAbortError
	if !errors.As(err, &abort) {
		t.Fatalf("Send = %v, want *SessionAbortError", err)
	}
	if abort.Dest != 0x21 {
		t.Errorf("abort dest = %02X, want 21", abort.Dest)
	}
}

func TestDirectedReceiveSendsCTSAndAck(t *testing.T) {
	_, b := newEngine(t)
	l := b.Subscribe()
	defer l.Close()

	data := pattern(16) // 3 segments
	// RTS addressed to our default address F9.
	b.Inject(packet.NewJ1939Rx(0, 0, tpPrio, PGNConnManagement, 0xF9, 0x00,
		[]byte{ctrlRTS, byte(len(data)), 0, byte(segments(len(data))), 0xFF, 0x00, 0xEF, 0x00}))

	// The engine must answer with a clear to send.
	sawCTS := false
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !sawCTS {
		p, err := l.Next(time.Until(deadline))
		if err != nil {
			break
		}
		if p.Tx() && p.PGN() == PGNConnManagement && p.Data()[0] == ctrlCTS && p.Dest() == 0x00 {
			sawCTS = true
		}
	}
	if !sawCTS {
		t.Fatal("no clear to send for the directed announcement")
	}

	// Deliver the segments to our address and expect ack + reassembly.
	for seq := 1; seq <= segments(len(data)); seq++ {
		body := [8]byte{byte(seq), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		copy(body[1:], data[(seq-1)*chunk:])
		b.Inject(packet.NewJ1939Rx(0, 0, tpPrio, PGNDataTransfer, 0xF9, 0x00, body[:]))
	}

	sawAck := false
	var msg packet.Packet
	var gotMsg bool
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !(sawAck && gotMsg) {
		p, err := l.Next(time.Until(deadline))
		if err != nil {
			break
		}
		if p.Tx() && p.PGN() == PGNConnManagement && len(p.Data()) > 0 && p.Data()[0] == ctrlEOM {
			sawAck = true
		}
		if p.Len() > 8 && !p.Tx() {
			msg, gotMsg = p, true
		}
	}
	if !sawAck {
		t.Error("no end of message ack")
	}
	if !gotMsg {
		t.Fatal("no reassembled packet")
	}
	if !bytes.Equal(msg.Data(), data) {
		t.Errorf("reassembled data mismatch: %X", msg.Data())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config: %v", err)
	}
	bad := DefaultConfig()
	bad.SourceAddress = 0xFF
	if bad.Validate() == nil {
		t.Error("broadcast source address accepted")
	}
	bad = DefaultConfig()
	bad.BAMDelay = -time.Millisecond
	if bad.Validate() == nil {
		t.Error("negative delay accepted")
	}
}
