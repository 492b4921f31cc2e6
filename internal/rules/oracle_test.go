package rules

import (
	"errors"
	"strings"
	"testing"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func mustMove(t *testing.T, from, to, promo string) Move {
	t.Helper()
	f, err := ParseSquare(from)
	if err != nil {
		t.Fatalf("ParseSquare(%q): %v", from, err)
	}
	to2, err := ParseSquare(to)
	if err != nil {
		t.Fatalf("ParseSquare(%q): %v", to, err)
	}
	p, err := ParsePromotion(promo)
	if err != nil {
		t.Fatalf("ParsePromotion(%q): %v", promo, err)
	}
	return Move{From: f, To: to2, Promotion: p}
}

func TestInitialPosition(t *testing.T) {
	pos := NewStandard().Initial()
	if pos.FEN != startFEN {
		t.Fatalf("unexpected start fen: %q", pos.FEN)
	}
	if pos.Turn != White || pos.Terminal() || pos.Ply() != 0 {
		t.Fatalf("unexpected initial state: %+v", pos)
	}
}

func TestApplyFlipsTurn(t *testing.T) {
	o := NewStandard()
	pos, err := o.Apply(o.Initial(), mustMove(t, "e2", "e4", ""))
	if err != nil {
		t.Fatalf("Apply e2e4: %v", err)
	}
	if pos.Turn != Black {
		t.Fatalf("expected black to move, got %s", pos.Turn)
	}
	if !strings.HasPrefix(pos.FEN, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq") {
		t.Fatalf("unexpected fen after e4: %q", pos.FEN)
	}
	if len(pos.MovesSAN) != 1 || pos.MovesSAN[0] != "e4" {
		t.Fatalf("unexpected san history: %v", pos.MovesSAN)
	}
}

func TestApplyIllegalLeavesInputUntouched(t *testing.T) {
	o := NewStandard()
	start := o.Initial()
	for _, mv := range []Move{
		mustMove(t, "a1", "a8", ""),
		mustMove(t, "e7", "e5", ""), // black piece on white's turn
		mustMove(t, "e2", "e5", ""),
		mustMove(t, "e1", "g1", ""),
	} {
		if _, err := o.Apply(start, mv); !errors.Is(err, ErrIllegalMove) {
			t.Fatalf("Apply(%s): expected ErrIllegalMove, got %v", mv.UCI(), err)
		}
	}
	if start.FEN != startFEN || len(start.MovesUCI) != 0 {
		t.Fatalf("input position mutated: %+v", start)
	}
}

func TestFoolsMateIsTerminal(t *testing.T) {
	o := NewStandard()
	pos, err := o.Restore([]string{"f2f3", "e7e5", "g2g4", "d8h4"})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !pos.Terminal() || pos.Outcome != OutcomeBlackWon || pos.Method != "checkmate" {
		t.Fatalf("expected black checkmate, got outcome=%q method=%q", pos.Outcome, pos.Method)
	}
	if _, err := o.Apply(pos, mustMove(t, "a2", "a3", "")); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove after mate, got %v", err)
	}
}

func TestPromotionAcceptsAnyPiece(t *testing.T) {
	o := NewStandard()
	pos, err := o.Restore([]string{"a2a4", "b7b5", "a4b5", "a7a6", "b5a6", "c8b7", "a6b7", "b8c6"})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := o.Apply(pos, mustMove(t, "b7", "a8", "")); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("promotion without piece should be illegal, got %v", err)
	}
	for _, promo := range []string{"q", "r", "b", "n"} {
		next, err := o.Apply(pos, mustMove(t, "b7", "a8", promo))
		if err != nil {
			t.Fatalf("promotion to %s: %v", promo, err)
		}
		if got := next.MovesUCI[len(next.MovesUCI)-1]; got != "b7a8"+promo {
			t.Fatalf("unexpected last move %q", got)
		}
	}
}

func TestRestoreRejectsCorruptHistory(t *testing.T) {
	if _, err := NewStandard().Restore([]string{"e2e4", "e2e4"}); !errors.Is(err, ErrCorruptHistory) {
		t.Fatalf("expected ErrCorruptHistory, got %v", err)
	}
}

func TestParseSquare(t *testing.T) {
	if sq, err := ParseSquare(" E2 "); err != nil || sq != "e2" {
		t.Fatalf("ParseSquare normalisation failed: %q %v", sq, err)
	}
	for _, bad := range []string{"", "e", "e9", "i1", "e22", "22"} {
		if _, err := ParseSquare(bad); !errors.Is(err, ErrInvalidSquare) {
			t.Fatalf("ParseSquare(%q): expected ErrInvalidSquare, got %v", bad, err)
		}
	}
	if _, err := ParsePromotion("k"); !errors.Is(err, ErrInvalidPromotion) {
		t.Fatalf("king promotion must be rejected")
	}
}
