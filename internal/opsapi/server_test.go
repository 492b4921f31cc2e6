package opsapi

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/cheese-live-board/internal/protocol"
	"github.com/park285/cheese-live-board/internal/rules"
	"github.com/park285/cheese-live-board/internal/session"
)

type nopSender string

func (s nopSender) ID() string { return string(s) }

func (nopSender) Send(protocol.Envelope) bool { return true }

type fakeLister struct {
	list []session.Snapshot
	err  error
}

func (f fakeLister) List(context.Context) ([]session.Snapshot, error) { return f.list, f.err }

func startServer(t *testing.T, opts ...Option) (*Client, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(rules.NewStandard())
	srv := New(reg, opts...)
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = ln.Close()
	})
	c := NewClient("http://ops.test",
		WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
		WithRetry(1),
		WithTimeout(2*time.Second),
	)
	return c, reg
}

func TestOps_HealthAndRooms(t *testing.T) {
	c, reg := startServer(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	room, err := reg.Room(ctx, "alpha")
	require.NoError(t, err)
	_, err = room.Join(nopSender("w"))
	require.NoError(t, err)
	_, err = room.Join(nopSender("b"))
	require.NoError(t, err)
	_, err = room.SubmitMove("w", rules.Move{From: "e2", To: "e4"})
	require.NoError(t, err)
	_, err = reg.Room(ctx, "beta")
	require.NoError(t, err)

	list, err := c.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "alpha", list[0].Room)
	require.Equal(t, "beta", list[1].Room)

	snap, err := c.Room(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "w", snap.White)
	require.Equal(t, "b", snap.Black)
	require.Equal(t, uint64(1), snap.Version)
	require.Equal(t, []string{"e2e4"}, snap.Position.MovesUCI)
	require.Equal(t, rules.Black, snap.Position.Turn)

	_, err = c.Room(ctx, "missing")
	require.True(t, IsNotFound(err), "err = %v", err)
}

func TestOps_Reset(t *testing.T) {
	c, reg := startServer(t)
	ctx := context.Background()

	room, err := reg.Room(ctx, "r")
	require.NoError(t, err)
	_, err = room.Join(nopSender("w"))
	require.NoError(t, err)
	_, err = room.SubmitMove("w", rules.Move{From: "d2", To: "d4"})
	require.NoError(t, err)

	snap, err := c.Reset(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, rules.NewStandard().Initial().FEN, snap.Position.FEN)
	require.Equal(t, uint64(2), snap.Version)
	require.Equal(t, session.StatusActive, snap.Status)
	require.Equal(t, "w", snap.White, "reset keeps slot holders")

	_, err = c.Reset(ctx, "nope")
	require.True(t, IsNotFound(err))
}

func TestOps_MirrorListing(t *testing.T) {
	ctx := context.Background()

	c, _ := startServer(t)
	_, err := c.MirroredRooms(ctx)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, fasthttp.StatusServiceUnavailable, se.Code)

	c, _ = startServer(t, WithMirror(fakeLister{list: []session.Snapshot{{Room: "remote", Version: 7}}}))
	list, err := c.MirroredRooms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, uint64(7), list[0].Version)

	c, _ = startServer(t, WithMirror(fakeLister{err: errors.New("down")}))
	_, err = c.MirroredRooms(ctx)
	require.True(t, errors.As(err, &se))
	require.Equal(t, fasthttp.StatusBadGateway, se.Code)
}

func TestOps_MetricsAndRouting(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	srv := New(session.NewRegistry(rules.NewStandard()))
	go func() { _ = srv.Serve(ln) }()
	defer ln.Close()

	hc := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	do := func(method, path string) (int, string) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.Header.SetMethod(method)
		req.SetRequestURI("http://ops.test" + path)
		require.NoError(t, hc.DoTimeout(req, resp, 2*time.Second))
		return resp.StatusCode(), string(resp.Body())
	}

	code, body := do(fasthttp.MethodGet, "/metrics")
	require.Equal(t, fasthttp.StatusOK, code)
	require.True(t, strings.Contains(body, "live_moves_applied_total"), "metrics body missing collectors")

	code, _ = do(fasthttp.MethodGet, "/nowhere")
	require.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = do(fasthttp.MethodDelete, "/rooms")
	require.Equal(t, fasthttp.StatusNotFound, code)
}
