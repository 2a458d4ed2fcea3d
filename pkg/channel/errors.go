package channel

import (
	"context"
	"net"
	"os"

	"github.com/pkg/errors"
)

// TransientError is a transport failure worth reconnecting after. Timeout
// marks plain timeouts, which reconnect on a short fixed delay instead of the
// exponential backoff used for other transport errors.
type TransientError struct {
	Timeout bool
	Err     error
}

func (e *TransientError) Error() string {
	if e.Timeout {
		return "transient transport timeout: " + errString(e.Err)
	}
	return "transient transport error: " + errString(e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is an explicit refusal by the server (auth, quota, unknown
// story). It is never retried.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return "subscription rejected: " + e.Reason + ": " + e.Err.Error()
	}
	return "subscription rejected: " + e.Reason
}

func (e *RejectedError) Unwrap() error { return e.Err }

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// IsRejected reports whether err ends retrying.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsTimeout reports whether err is a plain timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) && te.Timeout {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Transient wraps err as a TransientError, classifying timeouts.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Timeout: IsTimeout(err), Err: err}
}
