package types

import "fmt"

// Status is the enumerated result code every facade operation returns.
// It mirrors the taxonomy in the NNTI wire/control contract: transient,
// peer-scoped, programmer, and fatal errors all collapse onto one of
// these kinds so callers can switch on a single type.
type Status int

const (
	OK Status = iota
	TIMEDOUT
	EAGAIN
	EINTR
	EIO
	ENOMEM
	EINVAL
	ENOENT
	ENOTCONN
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case TIMEDOUT:
		return "TIMEDOUT"
	case EAGAIN:
		return "EAGAIN"
	case EINTR:
		return "EINTR"
	case EIO:
		return "EIO"
	case ENOMEM:
		return "ENOMEM"
	case EINVAL:
		return "EINVAL"
	case ENOENT:
		return "ENOENT"
	case ENOTCONN:
		return "ENOTCONN"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error wraps a Status with an optional underlying cause, so callers can
// both switch on the taxonomy and retain errors.Is/errors.As compatibility
// with whatever failed underneath (a dial error, a short read, etc).
type Error struct {
	Status Status
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Cause)
	}
	return e.Status.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an *Error for the given status and optional cause.
func NewError(status Status, cause error) *Error {
	return &Error{Status: status, Cause: cause}
}

// StatusOf extracts the Status carried by err, defaulting to EIO for any
// error that didn't originate as a types.Error.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var nerr *Error
	if ok := asError(err, &nerr); ok {
		return nerr.Status
	}
	return EIO
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
