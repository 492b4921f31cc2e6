package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-live-board/internal/metrics"
	"github.com/park285/cheese-live-board/internal/msgcat"
	"github.com/park285/cheese-live-board/internal/obslog"
	"github.com/park285/cheese-live-board/internal/protocol"
	"github.com/park285/cheese-live-board/internal/rules"
)

// Room is the authoritative session of one game: a position, two player slots
// and any number of spectators. Every operation runs under mu, and the
// broadcast for a transition is queued to all participants before mu is
// released, so no participant can observe states out of order.
type Room struct {
	id      string
	epoch   string
	oracle  rules.Oracle
	catalog *msgcat.Catalog
	mirror  Mirror
	now     func() time.Time

	mu           sync.Mutex
	pos          rules.Position
	white        *Participant
	black        *Participant
	participants map[string]*Participant
	version      uint64
	seq          uint64
	updatedAt    time.Time
	emptySince   time.Time
}

type RoomOption func(*Room)

func WithMirror(m Mirror) RoomOption {
	return func(r *Room) {
		if m != nil {
			r.mirror = m
		}
	}
}

func WithCatalog(c *msgcat.Catalog) RoomOption {
	return func(r *Room) { r.catalog = c }
}

func WithClock(now func() time.Time) RoomOption {
	return func(r *Room) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPosition starts the room from a restored position instead of the initial setup.
func WithPosition(pos rules.Position) RoomOption {
	return func(r *Room) { r.pos = pos.Clone() }
}

func NewRoom(id string, oracle rules.Oracle, opts ...RoomOption) *Room {
	r := &Room{
		id:           id,
		epoch:        uuid.NewString(),
		oracle:       oracle,
		mirror:       nopMirror{},
		now:          time.Now,
		participants: make(map[string]*Participant),
	}
	r.pos = oracle.Initial()
	for _, opt := range opts {
		opt(r)
	}
	r.updatedAt = r.now()
	r.emptySince = r.updatedAt
	return r
}

func (r *Room) ID() string { return r.id }

// Join admits a participant. Roles are first-come: white, then black, then spectator.
// The joiner receives its role and then the current state.
func (r *Room) Join(s Sender) (*Participant, error) {
	if s == nil {
		return nil, ErrNilSender
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if _, dup := r.participants[id]; dup {
		return nil, ErrDuplicateSender
	}
	p := &Participant{ID: id, JoinedAt: r.now(), sender: s}
	switch {
	case r.white == nil:
		p.Role = RoleWhite
		r.white = p
	case r.black == nil:
		p.Role = RoleBlack
		r.black = p
	default:
		p.Role = RoleSpectator
	}
	r.participants[id] = p
	r.touchLocked()

	if p.Role == RoleSpectator {
		r.sendLocked(p, protocol.Must(protocol.TypeSpectator, nil))
	} else {
		r.sendLocked(p, protocol.Must(protocol.TypeRole, protocol.RolePayload{Role: string(p.Role)}))
	}
	r.sendLocked(p, r.stateEnvelopeLocked())

	metrics.Joins.WithLabelValues(string(p.Role)).Inc()
	metrics.Connected.Inc()
	obslog.L().Info("room_join",
		zap.String("room_id", r.id),
		zap.String("participant_id", id),
		zap.String("role", string(p.Role)),
		zap.Int("participants", len(r.participants)),
	)
	r.publishLocked()
	return p, nil
}

// Leave removes a participant and vacates its player slot, if any.
// Vacated slots go to the next joiner; existing spectators are not promoted.
func (r *Room) Leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return false
	}
	delete(r.participants, id)
	switch {
	case r.white == p:
		r.white = nil
	case r.black == p:
		r.black = nil
	}
	r.touchLocked()
	if len(r.participants) == 0 {
		r.emptySince = r.updatedAt
	}

	metrics.Leaves.WithLabelValues(string(p.Role)).Inc()
	metrics.Connected.Dec()
	obslog.L().Info("room_leave",
		zap.String("room_id", r.id),
		zap.String("participant_id", id),
		zap.String("role", string(p.Role)),
		zap.Int("participants", len(r.participants)),
	)
	r.publishLocked()
	return true
}

// SubmitMove arbitrates a move request. Checks run in order and stop at the
// first failure: player role, game not over, side to move, legality.
// On success the new position is broadcast to every participant; on
// rejection nothing changes and only the requester is told why.
func (r *Room) SubmitMove(id string, mv rules.Move) (rules.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.participants[id]
	next, err := r.arbitrateLocked(p, mv)
	if err != nil {
		r.rejectLocked(p, mv, err)
		return rules.Position{}, err
	}

	r.pos = next
	r.version++
	r.touchLocked()
	r.broadcastLocked(r.stateEnvelopeLocked())

	metrics.MovesApplied.Inc()
	obslog.L().Info("move_applied",
		zap.String("room_id", r.id),
		zap.String("participant_id", id),
		zap.String("uci", mv.UCI()),
		zap.String("turn", string(next.Turn)),
		zap.Uint64("version", r.version),
	)
	if next.Terminal() {
		obslog.L().Info("game_over",
			zap.String("room_id", r.id),
			zap.String("outcome", next.Outcome),
			zap.String("method", next.Method),
			zap.Int("ply", next.Ply()),
		)
	}
	r.publishLocked()
	return next.Clone(), nil
}

func (r *Room) arbitrateLocked(p *Participant, mv rules.Move) (rules.Position, error) {
	if p == nil {
		return rules.Position{}, reject(CodeNotAPlayer, "not connected")
	}
	side, ok := p.Role.Side()
	if !ok {
		return rules.Position{}, ErrNotAPlayer
	}
	if r.pos.Terminal() {
		return rules.Position{}, reject(CodeGameOver, "%s", r.pos.Outcome)
	}
	if side != r.pos.Turn {
		return rules.Position{}, reject(CodeOutOfTurn, "%s to move", r.pos.Turn)
	}
	next, err := r.oracle.Apply(r.pos, mv)
	if err != nil {
		if errors.Is(err, rules.ErrIllegalMove) {
			return rules.Position{}, reject(CodeIllegalMove, "%s", mv.UCI())
		}
		obslog.L().Error("oracle_failure",
			zap.String("room_id", r.id),
			zap.String("uci", mv.UCI()),
			zap.Error(err),
		)
		return rules.Position{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return next, nil
}

// Reset restores the initial position, broadcasts it and returns the room as
// of that reset.
func (r *Room) Reset() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked("operator")
	return r.snapshotLocked()
}

// RequestReset is a reset asked for by a participant; only players may reset.
func (r *Room) RequestReset(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.participants[id]
	if p == nil || !p.Role.IsPlayer() {
		err := ErrNotAPlayer
		r.rejectLocked(p, rules.Move{}, err)
		return err
	}
	r.resetLocked(id)
	return nil
}

func (r *Room) resetLocked(by string) {
	r.pos = r.oracle.Initial()
	r.version++
	r.touchLocked()
	r.broadcastLocked(r.stateEnvelopeLocked())

	metrics.Resets.Inc()
	obslog.L().Info("room_reset",
		zap.String("room_id", r.id),
		zap.String("by", by),
		zap.Uint64("version", r.version),
	)
	r.publishLocked()
}

// Resync re-sends the current state to one participant.
func (r *Room) Resync(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participants[id]
	if p == nil {
		return false
	}
	return r.sendLocked(p, r.stateEnvelopeLocked())
}

// Reject reports a rejection that was decided outside the room (e.g. a
// payload that failed to decode) to one participant.
func (r *Room) Reject(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectLocked(r.participants[id], rules.Move{}, err)
}

// Dispatch routes one inbound message from participant id.
func (r *Room) Dispatch(id string, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeMove:
		mv, err := protocol.DecodeMove(env.Data)
		if err != nil {
			rej := reject(CodeMalformed, "%v", err)
			r.Reject(id, rej)
			return rej
		}
		_, err = r.SubmitMove(id, mv)
		return err
	case protocol.TypeReset:
		return r.RequestReset(id)
	case protocol.TypeResync:
		r.Resync(id)
		return nil
	default:
		rej := reject(CodeMalformed, "unknown message type %q", env.Type)
		r.Reject(id, rej)
		return rej
	}
}

func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Role reports the role of a connected participant.
func (r *Room) Role(id string) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return "", false
	}
	return p.Role, true
}

// Idle reports how long the room has had no participants.
func (r *Room) Idle(now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.participants) > 0 {
		return 0, false
	}
	return now.Sub(r.emptySince), true
}

func (r *Room) snapshotLocked() Snapshot {
	s := Snapshot{
		Room:      r.id,
		Epoch:     r.epoch,
		Position:  r.pos.Clone(),
		Status:    r.statusLocked(),
		Version:   r.version,
		Seq:       r.seq,
		UpdatedAt: r.updatedAt,
	}
	if r.white != nil {
		s.White = r.white.ID
	}
	if r.black != nil {
		s.Black = r.black.ID
	}
	for _, p := range r.participants {
		if p.Role == RoleSpectator {
			s.Spectators++
		}
	}
	return s
}

func (r *Room) statusLocked() Status {
	if r.pos.Terminal() {
		return StatusFinished
	}
	return StatusActive
}

func (r *Room) stateEnvelopeLocked() protocol.Envelope {
	st := protocol.StatePayload{
		Room:     r.id,
		Position: r.pos.FEN,
		Moves:    append([]string(nil), r.pos.MovesUCI...),
		Turn:     string(r.pos.Turn),
		Status:   string(r.statusLocked()),
		Version:  r.version,
	}
	if r.pos.Terminal() {
		st.Outcome = r.pos.Outcome
		st.Method = r.pos.Method
	}
	return protocol.Must(protocol.TypeState, st)
}

func (r *Room) rejectLocked(p *Participant, mv rules.Move, err error) {
	code := CodeOf(err)
	if code == "" {
		code = "internal"
	}
	metrics.MovesRejected.WithLabelValues(string(code)).Inc()
	fields := []zap.Field{zap.String("room_id", r.id), zap.String("code", string(code))}
	if mv.From != "" {
		fields = append(fields, zap.String("uci", mv.UCI()))
	}
	if p != nil {
		fields = append(fields, zap.String("participant_id", p.ID), zap.String("role", string(p.Role)))
	}
	obslog.L().Debug("request_rejected", fields...)
	if p == nil {
		return
	}
	r.sendLocked(p, protocol.Must(protocol.TypeError, protocol.ErrorPayload{
		Code:    string(code),
		Message: r.rejectText(code, mv, err),
	}))
}

func (r *Room) rejectText(code Code, mv rules.Move, err error) string {
	var detail string
	var e *Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	data := map[string]any{
		"Turn":    string(r.pos.Turn),
		"Move":    mv.UCI(),
		"Outcome": r.pos.Outcome,
		"Detail":  detail,
	}
	return r.catalog.Text("reject."+string(code), data, err.Error())
}

func (r *Room) sendLocked(p *Participant, env protocol.Envelope) bool {
	if p.sender.Send(env) {
		return true
	}
	metrics.SendDropped.Inc()
	obslog.L().Debug("send_dropped",
		zap.String("room_id", r.id),
		zap.String("participant_id", p.ID),
		zap.String("type", env.Type),
	)
	return false
}

// broadcastLocked queues env for every participant. A failed delivery to one
// recipient never stops delivery to the rest.
func (r *Room) broadcastLocked(env protocol.Envelope) {
	for _, p := range r.participants {
		r.sendLocked(p, env)
	}
}

func (r *Room) touchLocked() {
	r.seq++
	r.updatedAt = r.now()
}

func (r *Room) publishLocked() {
	r.mirror.Publish(r.snapshotLocked())
}
