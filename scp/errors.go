package scp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
)

// Exit statuses.
const (
	StatusOK      = 0
	StatusFailure = 1
	StatusUsage   = 2
	StatusArgs    = 4
)

// Error aborts an invocation with an exit status and a message for the peer.
type Error struct {
	Status int
	Msg    string
}

func (e *Error) Error() string { return e.Msg }

func errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Msg: fmt.Sprintf(format, args...)}
}

type timeoutError time.Duration

func (t timeoutError) Error() string {
	return strconv.FormatFloat(time.Duration(t).Seconds(), 'f', -1, 64) + "s timeout"
}

// exitFor maps err to the exit status and peer message. expected is false
// for faults that need a full log entry.
func exitFor(err error) (status int, msg string, expected bool) {
	var se *Error
	var te timeoutError
	switch {
	case err == nil:
		return StatusOK, "", true
	case errors.As(err, &se):
		return se.Status, se.Msg, true
	case errors.As(err, &te):
		return StatusFailure, te.Error(), true
	case errors.Is(err, io.ErrUnexpectedEOF):
		return StatusFailure, "unexpected end of stream", true
	case errors.Is(err, context.Canceled):
		return StatusFailure, "session closed", true
	case objfs.KindOf(err) != objfs.KindOther:
		return StatusFailure, err.Error(), true
	}
	return StatusFailure, "internal error", false
}
