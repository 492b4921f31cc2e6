// Package opsapi serves the operator API: health, room inspection, reset and metrics.
package opsapi

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/park285/cheese-live-board/internal/obslog"
	"github.com/park285/cheese-live-board/internal/session"
)

// SnapshotLister reads mirrored snapshots, e.g. from another instance.
type SnapshotLister interface {
	List(ctx context.Context) ([]session.Snapshot, error)
}

type Server struct {
	reg     *session.Registry
	mirror  SnapshotLister
	metrics fasthttp.RequestHandler
	srv     *fasthttp.Server
}

type Option func(*Server)

// WithMirror enables GET /rooms?source=mirror.
func WithMirror(m SnapshotLister) Option {
	return func(s *Server) { s.mirror = m }
}

func New(reg *session.Registry, opts ...Option) *Server {
	s := &Server{
		reg:     reg,
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "live-board-ops",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("ops_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// Handle routes one request.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case path == "/healthz":
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case path == "/metrics":
		s.metrics(ctx)
	case path == "/rooms" && method == fasthttp.MethodGet:
		s.listRooms(ctx)
	case strings.HasPrefix(path, "/rooms/"):
		s.room(ctx, method, strings.TrimPrefix(path, "/rooms/"))
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) listRooms(ctx *fasthttp.RequestCtx) {
	if string(ctx.QueryArgs().Peek("source")) != "mirror" {
		writeJSON(ctx, fasthttp.StatusOK, s.reg.Rooms())
		return
	}
	if s.mirror == nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "mirror not configured")
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	list, err := s.mirror.List(rctx)
	if err != nil {
		obslog.L().Warn("ops_mirror_list_error", zap.Error(err))
		writeError(ctx, fasthttp.StatusBadGateway, "mirror unavailable")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, list)
}

func (s *Server) room(ctx *fasthttp.RequestCtx, method, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	room, ok := s.reg.Lookup(id)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, session.ErrRoomNotFound.Error())
		return
	}
	switch {
	case action == "" && method == fasthttp.MethodGet:
		writeJSON(ctx, fasthttp.StatusOK, room.Snapshot())
	case action == "reset" && method == fasthttp.MethodPost:
		snap := room.Reset()
		obslog.L().Info("ops_reset", zap.String("room_id", id), zap.Uint64("version", snap.Version), zap.String("remote", ctx.RemoteAddr().String()))
		writeJSON(ctx, fasthttp.StatusOK, snap)
	default:
		writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		obslog.L().Error("ops_encode_error", zap.Error(err))
		ctx.Error("encode failure", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
