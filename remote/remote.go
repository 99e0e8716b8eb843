// Package remote streams live bus traffic to WebSocket clients. Each
// packet becomes one JSON message, so a browser or a remote logger can
// follow the bus without a native driver. WebSocket already has message
// boundaries built in, so no extra framing is needed.
package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vehiclelink/canadapter/bus"
	"github.com/vehiclelink/canadapter/driver"
)

// Frame is the wire representation of one packet.
type Frame struct {
	Seq     uint64  `json:"seq"`
	Time    float64 `json:"time"`
	Channel uint8   `json:"channel"`
	ID      uint32  `json:"id"`
	Tx      bool    `json:"tx,omitempty"`
	Data    []byte  `json:"data"`
}

// Server fans the bus out to any number of WebSocket clients. Each
// client gets its own bus listener, so a slow client never stalls the
// others.
type Server struct {
	bus *bus.Bus
	log *slog.Logger
}

func NewServer(b *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: b, log: logger}
}

// ServeHTTP upgrades the request and streams packets until the client
// disconnects or the bus closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("remote: websocket accept failed", "err", err)
		return
	}
	s.log.Info("remote: client connected", "addr", r.RemoteAddr)
	defer s.log.Info("remote: client disconnected", "addr", r.RemoteAddr)

	if err := s.stream(r.Context(), conn); err != nil {
		conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "stream ended")
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn) error {
	lis := s.bus.Subscribe()
	defer lis.Close()

	var seq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		p, err := lis.Next(100 * time.Millisecond)
		if err != nil {
			if errors.Is(err, driver.ErrTimeout) {
				continue
			}
			// Bus closed or degraded; end the stream cleanly.
			return nil
		}
		seq++
		frame := Frame{
			Seq:     seq,
			Time:    p.Time().Seconds(),
			Channel: p.Channel(),
			ID:      p.ID(),
			Tx:      p.Tx(),
			Data:    p.Data(),
		}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			// Client went away mid-write.
			return err
		}
	}
}
