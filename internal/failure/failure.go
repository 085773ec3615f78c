// Package failure tags orchestration errors with an explicit kind so that
// retry, recovery and status reporting never depend on error message text.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindStructural Kind = "structural"
	KindExhausted  Kind = "exhausted"
	KindCanceled   Kind = "canceled"
)

// Error carries a kind tag through wrapping. Op names the operation that
// failed, e.g. "capability content_synthesis" or "stage planning".
type Error struct {
	Kind     Kind
	Op       string
	Err      error
	Attempts int
}

func (e *Error) Error() string {
	message := "unknown error"
	if e.Err != nil {
		message = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Attempts > 0:
		return fmt.Sprintf("%s: %s after %d attempts: %s", e.Op, e.Kind, e.Attempts, message)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(message)}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func Transient(op string, err error) error {
	return Wrap(KindTransient, op, err)
}

func Permanent(op string, err error) error {
	return Wrap(KindPermanent, op, err)
}

func Structural(op string, err error) error {
	return Wrap(KindStructural, op, err)
}

// FromContext tags an error returned by a context. A passed deadline is a
// timeout and may succeed on retry; only an explicit cancellation is
// KindCanceled.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTransient, op, err)
	}
	return Wrap(KindCanceled, op, err)
}

// Exhausted annotates the last error of a retry loop with the number of
// attempts made. The original error stays reachable through errors.Is/As.
func Exhausted(op string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindExhausted, Op: op, Err: err, Attempts: attempts}
}

// KindOf returns the kind of the outermost tagged error in the chain.
// Untagged errors fall back to a small set of typed checks.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if isNetworkError(err) {
		return KindTransient
	}
	return KindPermanent
}

// isNetworkError reports failures of the connection rather than of the
// request: timeouts, refused or reset connections and truncated responses.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Recoverable reports whether a retry of the same operation may succeed.
func Recoverable(err error) bool {
	return KindOf(err) == KindTransient
}

// Retryable reports whether a job that failed with err may be resumed from
// the stage it failed in.
func Retryable(err error) bool {
	return RetryableKind(KindOf(err))
}

func RetryableKind(kind Kind) bool {
	switch kind {
	case KindTransient, KindExhausted, KindCanceled:
		return true
	default:
		return false
	}
}

// AttemptsOf returns the attempt count recorded by Exhausted, or 0.
func AttemptsOf(err error) int {
	var tagged *Error
	for errors.As(err, &tagged) {
		if tagged.Attempts > 0 {
			return tagged.Attempts
		}
		err = tagged.Err
	}
	return 0
}

// PublicMessage is the caller-facing description of a failure kind. Raw
// error text stays in logs and checkpoints only.
func PublicMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "job input or intermediate data failed validation"
	case KindTransient:
		return "a dependency was temporarily unavailable"
	case KindPermanent:
		return "a dependency rejected the request"
	case KindStructural:
		return "the job structure is invalid"
	case KindExhausted:
		return "the operation kept failing after all retries"
	case KindCanceled:
		return "the job was canceled"
	default:
		return "the job failed"
	}
}
