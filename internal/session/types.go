package session

import (
	"time"

	"github.com/park285/cheese-live-board/internal/protocol"
	"github.com/park285/cheese-live-board/internal/rules"
)

// Role is fixed for the lifetime of a connection.
type Role string

const (
	RoleWhite     Role = "white"
	RoleBlack     Role = "black"
	RoleSpectator Role = "spectator"
)

// Side returns the side a player role controls.
func (r Role) Side() (rules.Side, bool) {
	switch r {
	case RoleWhite:
		return rules.White, true
	case RoleBlack:
		return rules.Black, true
	default:
		return "", false
	}
}

func (r Role) IsPlayer() bool {
	_, ok := r.Side()
	return ok
}

// Status of the game held by a room.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

// Sender delivers messages to one connection. Send must not block;
// false means the message was not queued.
type Sender interface {
	ID() string
	Send(env protocol.Envelope) bool
}

type Participant struct {
	ID       string
	Role     Role
	JoinedAt time.Time

	sender Sender
}

// Snapshot is a read-only copy of a room.
type Snapshot struct {
	Room       string         `json:"room"`
	Epoch      string         `json:"epoch"`
	Position   rules.Position `json:"position"`
	Status     Status         `json:"status"`
	White      string         `json:"white,omitempty"`
	Black      string         `json:"black,omitempty"`
	Spectators int            `json:"spectators"`
	Version    uint64         `json:"version"`
	Seq        uint64         `json:"seq"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Mirror receives a snapshot after every room mutation. Publish must not block.
type Mirror interface {
	Publish(s Snapshot)
}

type nopMirror struct{}

func (nopMirror) Publish(Snapshot) {}
