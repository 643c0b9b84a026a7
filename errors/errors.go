package errors

import (
	"context"
	"errors"
	"strings"
)

type BadRequestError struct {
	Msg string // description of error
}

func (e *BadRequestError) Error() string { return e.Msg }

type NotFoundError struct {
	Msg string // description of error
}

func (e *NotFoundError) Error() string { return e.Msg }

type InternalServerError struct {
	Msg string // description of error
}

func (e *InternalServerError) Error() string { return e.Msg }

// AuthError indicates a request was attempted without a usable
// access token. It blocks reconnects until credentials change.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }

func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// error substrings produced by the streaming transport on otherwise
// clean disconnects. They are hidden from the user but still count
// as disconnects for reconnect purposes.
var benignSubstrings = []string{
	"missing trailer",
	"unimplemented",
	"unknown",
}

// IsBenign reports whether err is a known transport artifact of the
// streaming protocol rather than a real failure.
func IsBenign(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range benignSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsCanceled reports whether err stems from explicit cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
