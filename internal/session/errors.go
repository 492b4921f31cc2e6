package session

import (
	"errors"
	"fmt"
)

// Code classifies a rejected request. Rejections never mutate a room.
type Code string

const (
	CodeNotAPlayer  Code = "not_a_player"
	CodeOutOfTurn   Code = "out_of_turn"
	CodeIllegalMove Code = "illegal_move"
	CodeGameOver    Code = "game_over"
	CodeMalformed   Code = "malformed_request"
)

// Error is a rejection reported to the requesting participant only.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is matches on Code so sentinels compare equal to detailed rejections.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotAPlayer  = &Error{Code: CodeNotAPlayer}
	ErrOutOfTurn   = &Error{Code: CodeOutOfTurn}
	ErrIllegalMove = &Error{Code: CodeIllegalMove}
	ErrGameOver    = &Error{Code: CodeGameOver}
	ErrMalformed   = &Error{Code: CodeMalformed}
)

// Non-rejection failures.
var (
	ErrInvalidRoomID   = staticErr("invalid room id")
	ErrNilSender       = staticErr("nil sender")
	ErrDuplicateSender = staticErr("sender already joined")
	ErrInternal        = staticErr("internal session failure")
	ErrRoomNotFound    = staticErr("room not found")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

func reject(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf returns the rejection code of err, or "" when err is not a rejection.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
