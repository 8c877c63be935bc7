package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no entry with the given id exists.
	ErrNotFound = errors.New("conversation: message not found")
	// ErrMenuInert indicates the menu can no longer be answered.
	ErrMenuInert = errors.New("conversation: menu is no longer selectable")
	// ErrUnknownOption indicates the selected option is not part of the menu.
	ErrUnknownOption = errors.New("conversation: unknown menu option")
)

// ParseError reports a malformed inbound payload.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "conversation: parse"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }
