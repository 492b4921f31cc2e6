// Package protocol defines the JSON messages exchanged over a live board connection.
//
// Every frame is an Envelope: {"type": "<name>", "data": <payload>}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/park285/cheese-live-board/internal/rules"
)

// server -> client
const (
	TypeRole      = "role"
	TypeSpectator = "spectator"
	TypeState     = "state"
	TypeError     = "error"
)

// client -> server
const (
	TypeMove   = "move"
	TypeReset  = "reset"
	TypeResync = "resync"
)

var ErrMalformed = errors.New("malformed request")

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomID reports whether id may name a room in the ?room= query.
func ValidRoomID(id string) bool { return roomIDPattern.MatchString(id) }

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RolePayload struct {
	Role string `json:"role"`
}

// StatePayload carries the canonical position. Clients load Position as FEN.
type StatePayload struct {
	Room     string   `json:"room"`
	Position string   `json:"position"`
	Moves    []string `json:"moves"`
	Turn     string   `json:"turn"`
	Status   string   `json:"status"`
	Outcome  string   `json:"outcome,omitempty"`
	Method   string   `json:"method,omitempty"`
	Version  uint64   `json:"version"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MovePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// New wraps payload into an Envelope. A nil payload yields an envelope without data.
func New(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// Must is New for payloads that cannot fail to marshal (the types above).
func Must(typ string, payload any) Envelope {
	env, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodeMove parses and shape-checks a move payload.
func DecodeMove(raw json.RawMessage) (rules.Move, error) {
	if len(raw) == 0 {
		return rules.Move{}, fmt.Errorf("%w: empty move", ErrMalformed)
	}
	var p MovePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return rules.Move{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.Move()
}

// Move validates the payload shape; it says nothing about legality.
func (p MovePayload) Move() (rules.Move, error) {
	from, err := rules.ParseSquare(p.From)
	if err != nil {
		return rules.Move{}, fmt.Errorf("%w: from %q", ErrMalformed, p.From)
	}
	to, err := rules.ParseSquare(p.To)
	if err != nil {
		return rules.Move{}, fmt.Errorf("%w: to %q", ErrMalformed, p.To)
	}
	if from == to {
		return rules.Move{}, fmt.Errorf("%w: from equals to", ErrMalformed)
	}
	promo, err := rules.ParsePromotion(p.Promotion)
	if err != nil {
		return rules.Move{}, fmt.Errorf("%w: promotion %q", ErrMalformed, p.Promotion)
	}
	return rules.Move{From: from, To: to, Promotion: promo}, nil
}
