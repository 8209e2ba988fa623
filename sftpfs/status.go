package sftpfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/pkg/sftp"
)

// statusError carries an SFTP status code with a short message. pkg/sftp
// reads the code through errors.As and sends Error() as the message.
type statusError struct {
	code error
	msg  string
}

func (e *statusError) Error() string { return e.msg }
func (e *statusError) Unwrap() error { return e.code }

// errIO is reported for anything that is not a known backend error.
var errIO = &statusError{code: sftp.ErrSSHFxFailure, msg: "I/O error"}

// status maps a backend error onto an SFTP status. It returns nil for nil.
func status(err error) (error, bool) {
	if err == nil {
		return nil, true
	}
	if errors.Is(err, io.EOF) {
		return io.EOF, true
	}
	kind := objfs.KindOf(err)
	var code error
	switch kind {
	case objfs.KindNotFound:
		code = sftp.ErrSSHFxNoSuchFile
	case objfs.KindPermission, objfs.KindAuth:
		code = sftp.ErrSSHFxPermissionDenied
	case objfs.KindUnsupported:
		code = sftp.ErrSSHFxOpUnsupported
	case objfs.KindOther:
		return errIO, false
	default:
		code = sftp.ErrSSHFxFailure
	}
	return &statusError{code: code, msg: kind.String()}, true
}

// invoke runs fn as one adapter operation: panics are recovered and every
// error leaves as an SFTP status exactly once.
func invoke[T any](a *Adapter, method string, args []any, fn func() (T, error)) (result T, err error) {
	start := time.Now()
	a.logger.Debug(method+": enter", "args", args)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("unexpected panic",
				"method", method, "args", args, "remote", a.remote,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			var zero T
			result, err = zero, errIO
		} else if err != nil {
			cause := err
			var known bool
			if err, known = status(cause); !known {
				a.logger.Error("unexpected error",
					"method", method, "args", args, "remote", a.remote, "error", cause)
			} else if err != io.EOF {
				a.logger.Info(method+" failed", "args", args, "remote", a.remote, "error", cause)
			}
		}
		if a.metrics != nil {
			a.metrics.ObserveRequest(method, time.Since(start), err)
		}
		a.logger.Debug(method+": returns", "error", err)
	}()
	return fn()
}

// noLogger discards everything.
var noLogger = slog.New(slog.DiscardHandler)
