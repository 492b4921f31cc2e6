package rules

import (
	"fmt"

	nchess "github.com/corentings/chess/v2"
)

// Standard is the Oracle for standard chess.
type Standard struct{}

func NewStandard() *Standard { return &Standard{} }

func (s *Standard) Initial() Position {
	return snapshot(nchess.NewGame(), nil, nil)
}

// Apply replays pos from its history and applies mv.
// The history, not the FEN, is authoritative: replaying keeps repetition
// bookkeeping intact.
func (s *Standard) Apply(pos Position, mv Move) (Position, error) {
	game, err := replay(pos.MovesUCI)
	if err != nil {
		return Position{}, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return Position{}, fmt.Errorf("%w: game already decided", ErrIllegalMove)
	}
	cur := game.Position()
	uci := mv.UCI()
	decoded, derr := nchess.UCINotation{}.Decode(cur, uci)
	if derr != nil {
		return Position{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	if !isLegal(game, decoded) {
		return Position{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	san := nchess.AlgebraicNotation{}.Encode(cur, decoded)
	if err := game.Move(decoded, nil); err != nil {
		return Position{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	moves := append(append([]string(nil), pos.MovesUCI...), uci)
	sans := append(append([]string(nil), pos.MovesSAN...), san)
	return snapshot(game, moves, sans), nil
}

func (s *Standard) Restore(movesUCI []string) (Position, error) {
	game := nchess.NewGame()
	sans := make([]string, 0, len(movesUCI))
	for _, uci := range movesUCI {
		p := game.Position()
		mv, derr := nchess.UCINotation{}.Decode(p, uci)
		if derr != nil || !isLegal(game, mv) {
			return Position{}, fmt.Errorf("%w: %s", ErrCorruptHistory, uci)
		}
		sans = append(sans, nchess.AlgebraicNotation{}.Encode(p, mv))
		if err := game.Move(mv, nil); err != nil {
			return Position{}, fmt.Errorf("%w: %s", ErrCorruptHistory, uci)
		}
	}
	return snapshot(game, append([]string(nil), movesUCI...), sans), nil
}

func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorruptHistory, mv)
		}
	}
	return game, nil
}

func isLegal(game *nchess.Game, mv *nchess.Move) bool {
	for _, valid := range game.ValidMoves() {
		if valid.S1() == mv.S1() && valid.S2() == mv.S2() && valid.Promo() == mv.Promo() {
			return true
		}
	}
	return false
}

func snapshot(game *nchess.Game, moves, sans []string) Position {
	if moves == nil {
		moves = []string{}
	}
	if sans == nil {
		sans = []string{}
	}
	return Position{
		FEN:      game.FEN(),
		MovesUCI: moves,
		MovesSAN: sans,
		Turn:     sideFrom(game.Position().Turn()),
		Outcome:  string(game.Outcome()),
		Method:   methodName(game.Method()),
	}
}

func sideFrom(c nchess.Color) Side {
	if c == nchess.White {
		return White
	}
	return Black
}

func methodName(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return "checkmate"
	case nchess.Stalemate:
		return "stalemate"
	case nchess.InsufficientMaterial:
		return "insufficient_material"
	case nchess.FivefoldRepetition:
		return "fivefold_repetition"
	case nchess.SeventyFiveMoveRule:
		return "seventy_five_move_rule"
	case nchess.ThreefoldRepetition:
		return "threefold_repetition"
	case nchess.FiftyMoveRule:
		return "fifty_move_rule"
	default:
		return ""
	}
}
