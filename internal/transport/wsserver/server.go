// Package wsserver attaches websocket connections to rooms.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-live-board/internal/obslog"
	"github.com/park285/cheese-live-board/internal/protocol"
	"github.com/park285/cheese-live-board/internal/session"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 25 * time.Second
	defaultReadLimit    = 4 << 10
	writeTimeout        = 5 * time.Second
)

type Options struct {
	// OriginPatterns are host patterns accepted in the Origin header.
	// Empty means same-origin only.
	OriginPatterns []string
	SendBuffer     int
	PingInterval   time.Duration
	ReadLimit      int64
}

type Server struct {
	reg  *session.Registry
	opts Options
}

func New(reg *session.Registry, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Server{reg: reg, opts: opts}
}

// Routes returns the gateway mux: /ws?room=<id>.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, err := s.reg.NormalizeID(r.URL.Query().Get("room"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// rooms are only created for completed handshakes
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Debug("ws_accept_error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(s.opts.SendBuffer)
	room, _, err := s.reg.Join(ctx, roomID, c)
	if err != nil {
		obslog.L().Error("ws_join_error", zap.String("room_id", roomID), zap.Error(err))
		_ = ws.Close(websocket.StatusInternalError, "room unavailable")
		return
	}
	defer room.Leave(c.id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(ctx, ws, c)
	}()

	status, reason := s.readLoop(ctx, ws, room, c)
	cancel()
	wg.Wait()
	_ = ws.Close(status, reason)
}

// readLoop decodes inbound envelopes until the peer goes away or ctx ends.
// Frames that are not a JSON envelope are answered with malformed_request and
// the connection stays open.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, room *session.Room, c *conn) (websocket.StatusCode, string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st != -1 {
				return st, ""
			}
			if c.overflowed() {
				return websocket.StatusPolicyViolation, "slow consumer"
			}
			if ctx.Err() != nil {
				return websocket.StatusGoingAway, "bye"
			}
			obslog.L().Debug("ws_read_error", zap.String("participant_id", c.id), zap.Error(err))
			return websocket.StatusGoingAway, "read error"
		}

		var env protocol.Envelope
		if typ != websocket.MessageText {
			room.Reject(c.id, session.ErrMalformed)
			continue
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			room.Reject(c.id, session.ErrMalformed)
			continue
		}
		if err := room.Dispatch(c.id, env); err != nil && session.CodeOf(err) == "" {
			obslog.L().Warn("ws_dispatch_error",
				zap.String("room_id", room.ID()),
				zap.String("participant_id", c.id),
				zap.Error(err),
			)
		}
	}
}

// writeLoop is the only writer on ws. It drains the send queue in order and pings
// on an interval; it returns when ctx ends, a write fails or the queue overflowed.
func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, c *conn) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dead:
			obslog.L().Info("ws_slow_consumer", zap.String("participant_id", c.id))
			_ = ws.Close(websocket.StatusPolicyViolation, "slow consumer")
			return
		case env := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, env)
			cancel()
			if err != nil {
				obslog.L().Debug("ws_write_error", zap.String("participant_id", c.id), zap.Error(err))
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				obslog.L().Debug("ws_ping_error", zap.String("participant_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

// conn is the room-facing side of a websocket: a bounded outbound queue.
type conn struct {
	id   string
	send chan protocol.Envelope

	dead     chan struct{}
	deadOnce sync.Once
}

func newConn(buffer int) *conn {
	return &conn{
		id:   uuid.NewString(),
		send: make(chan protocol.Envelope, buffer),
		dead: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Send never blocks. A full queue marks the connection dead; the writer then
// closes it and the room drops the participant on Leave.
func (c *conn) Send(env protocol.Envelope) bool {
	select {
	case <-c.dead:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		c.deadOnce.Do(func() { close(c.dead) })
		return false
	}
}

func (c *conn) overflowed() bool {
	select {
	case <-c.dead:
		return true
	default:
		return false
	}
}
