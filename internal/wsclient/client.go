// Package wsclient is a live board client: it holds one websocket to a room,
// fans inbound envelopes out to callbacks and remembers the last role and state.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-live-board/internal/protocol"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	ErrNotConnected = errors.New("ws not connected")
	ErrClosed       = errors.New("ws client closed")
)

type MessageCallback func(env protocol.Envelope)

type StateCallback func(state State)

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

type Client struct {
	url    string
	header http.Header

	conn  *websocket.Conn
	state State
	connM sync.RWMutex

	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	role      string
	lastState *protocol.StatePayload
	lastErr   *protocol.ErrorPayload
	viewM     sync.RWMutex

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type Option func(*Client)

// WithReconnect redials up to max times with exponential backoff after the
// connection drops. A new connection is a new participant and gets a fresh role.
func WithReconnect(max int) Option {
	return func(c *Client) { c.maxReconnectAttempts = max }
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithHeader(k, v string) Option {
	return func(c *Client) { c.header.Set(k, v) }
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		header:       http.Header{},
		state:        StateDisconnected,
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Dial is New followed by Connect.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := New(url, opts...)
	if err := c.Connect(ctx); err != nil {
		c.rootCancel()
		return nil, err
	}
	return c, nil
}

func (c *Client) Connect(ctx context.Context) error {
	if c.isStopping() {
		return ErrClosed
	}
	c.connM.RLock()
	st := c.state
	c.connM.RUnlock()
	if st == StateConnected || st == StateConnecting {
		return nil
	}
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	if !c.attach(conn) {
		c.setState(StateDisconnected)
		return ErrClosed
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.header.Clone(),
	})
	return conn, err
}

// attach installs conn and starts its loops. It refuses once Close has begun;
// stopCh is checked and wg grown under connM, which Close takes after closing stopCh.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.connM.Lock()
	if c.isStopping() {
		c.connM.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		return false
	}
	c.conn = conn
	c.wg.Add(2)
	c.connM.Unlock()

	c.viewM.Lock()
	c.role, c.lastState, c.lastErr = "", nil, nil
	c.viewM.Unlock()

	c.setState(StateConnected)
	go c.listen(conn)
	go c.pingLoop(conn)
	return true
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var env protocol.Envelope
		if err := wsjson.Read(c.rootCtx, conn, &env); err != nil {
			if c.isStopping() {
				return
			}
			c.drop(conn, "read error")
			return
		}
		c.remember(env)

		c.cbM.RLock()
		callbacks := make([]callbackEntry, len(c.msgCbs))
		copy(callbacks, c.msgCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(env)
			}
		}
	}
}

func (c *Client) remember(env protocol.Envelope) {
	c.viewM.Lock()
	defer c.viewM.Unlock()
	switch env.Type {
	case protocol.TypeRole:
		var p protocol.RolePayload
		if json.Unmarshal(env.Data, &p) == nil {
			c.role = p.Role
		}
	case protocol.TypeSpectator:
		c.role = "spectator"
	case protocol.TypeState:
		var p protocol.StatePayload
		if json.Unmarshal(env.Data, &p) == nil {
			c.lastState = &p
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if json.Unmarshal(env.Data, &p) == nil {
			c.lastErr = &p
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutivePingFailures++
				if consecutivePingFailures >= 2 {
					if !c.isStopping() {
						c.drop(conn, "ping failure")
					}
					return
				}
				continue
			}
			consecutivePingFailures = 0
		}
	}
}

// drop closes conn if it is still the active connection and schedules a reconnect.
func (c *Client) drop(conn *websocket.Conn, reason string) {
	c.connM.Lock()
	if c.conn != conn {
		c.connM.Unlock()
		return
	}
	c.conn = nil
	c.connM.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

// scheduleReconnect is only called from listen or pingLoop, so wg is non-zero
// when the redial goroutine is added to it.
func (c *Client) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	c.setState(StateReconnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			conn, err := c.dial(c.rootCtx)
			if err != nil {
				continue
			}
			c.attach(conn)
			return
		}
		if !c.isStopping() {
			c.setState(StateFailed)
		}
	}()
}

func (c *Client) OnMessage(cb MessageCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.msgCbs = append(c.msgCbs, callbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveMessageCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.msgCbs {
		if cb.id == id {
			c.msgCbs = append(c.msgCbs[:i], c.msgCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.stateCbs {
		if cb.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) setState(state State) {
	c.connM.Lock()
	c.state = state
	c.connM.Unlock()

	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

func (c *Client) State() State {
	c.connM.RLock()
	defer c.connM.RUnlock()
	return c.state
}

// Role is "white", "black", "spectator" or "" before the server assigned one.
func (c *Client) Role() string {
	c.viewM.RLock()
	defer c.viewM.RUnlock()
	return c.role
}

func (c *Client) LastState() (protocol.StatePayload, bool) {
	c.viewM.RLock()
	defer c.viewM.RUnlock()
	if c.lastState == nil {
		return protocol.StatePayload{}, false
	}
	st := *c.lastState
	st.Moves = append([]string(nil), st.Moves...)
	return st, true
}

func (c *Client) LastError() (protocol.ErrorPayload, bool) {
	c.viewM.RLock()
	defer c.viewM.RUnlock()
	if c.lastErr == nil {
		return protocol.ErrorPayload{}, false
	}
	return *c.lastErr, true
}

func (c *Client) SendMove(ctx context.Context, from, to, promotion string) error {
	return c.write(ctx, protocol.TypeMove, protocol.MovePayload{From: from, To: to, Promotion: promotion})
}

func (c *Client) Reset(ctx context.Context) error {
	return c.write(ctx, protocol.TypeReset, nil)
}

func (c *Client) Resync(ctx context.Context) error {
	return c.write(ctx, protocol.TypeResync, nil)
}

// SendRaw writes an arbitrary envelope; used to probe server validation.
func (c *Client) SendRaw(ctx context.Context, env protocol.Envelope) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(ctx, conn, env)
}

func (c *Client) write(ctx context.Context, typ string, payload any) error {
	env, err := protocol.New(typ, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, env)
}

func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(ctx, conn, v)
}

func (c *Client) current() *websocket.Conn {
	c.connM.RLock()
	defer c.connM.RUnlock()
	return c.conn
}

func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	// aborts an in-flight redial; listen sees stopCh and exits quietly
	c.rootCancel()

	c.connM.Lock()
	conn := c.conn
	c.conn = nil
	c.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}
