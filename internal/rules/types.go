package rules

import (
	"errors"
	"strings"
)

// Side identifies a chess side.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

func (s Side) Valid() bool { return s == White || s == Black }

// Square is an algebraic coordinate such as "e2".
type Square string

// Promotion is a lowercase piece letter (q, r, b, n) or empty.
type Promotion string

var (
	ErrInvalidSquare    = errors.New("invalid square")
	ErrInvalidPromotion = errors.New("invalid promotion piece")
	ErrIllegalMove      = errors.New("illegal move")
	ErrCorruptHistory   = errors.New("move history cannot be replayed")
)

// ParseSquare accepts a file letter a-h followed by a rank digit 1-8.
func ParseSquare(raw string) (Square, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if len(s) != 2 {
		return "", ErrInvalidSquare
	}
	if s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return "", ErrInvalidSquare
	}
	return Square(s), nil
}

func ParsePromotion(raw string) (Promotion, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "q", "r", "b", "n":
		return Promotion(s), nil
	default:
		return "", ErrInvalidPromotion
	}
}

// Move is a validated-shape move request. Legality is decided by the Oracle.
type Move struct {
	From      Square
	To        Square
	Promotion Promotion
}

func (m Move) UCI() string { return string(m.From) + string(m.To) + string(m.Promotion) }

// Outcome tokens mirror PGN result strings.
const (
	OutcomeNone     = "*"
	OutcomeWhiteWon = "1-0"
	OutcomeBlackWon = "0-1"
	OutcomeDraw     = "1/2-1/2"
)

// Position is the canonical, transportable game state.
// FEN is the canonical text form; MovesUCI is the replayable history.
type Position struct {
	FEN      string   `json:"fen"`
	MovesUCI []string `json:"moves_uci"`
	MovesSAN []string `json:"moves_san"`
	Turn     Side     `json:"turn"`
	Outcome  string   `json:"outcome"`
	Method   string   `json:"method,omitempty"`
}

// Terminal reports checkmate, stalemate or an automatic draw.
func (p Position) Terminal() bool { return p.Outcome != "" && p.Outcome != OutcomeNone }

func (p Position) Ply() int { return len(p.MovesUCI) }

// Clone returns a copy that shares no slices with p.
func (p Position) Clone() Position {
	c := p
	c.MovesUCI = append([]string(nil), p.MovesUCI...)
	c.MovesSAN = append([]string(nil), p.MovesSAN...)
	return c
}

// Oracle validates and applies moves. Implementations must be pure.
type Oracle interface {
	Initial() Position
	Apply(pos Position, mv Move) (Position, error)
	Restore(movesUCI []string) (Position, error)
}
