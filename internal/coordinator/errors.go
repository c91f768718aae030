package coordinator

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeTransactionFailure ErrorCode = "TRANSACTION_FAILURE"
	CodeQueryFailure       ErrorCode = "QUERY_FAILURE"
	CodeLeaseTimeout       ErrorCode = "LEASE_TIMEOUT"
	CodeCycleTimeout       ErrorCode = "CYCLE_TIMEOUT"
	CodeClosed             ErrorCode = "CLOSED"
)

// Error is the outcome reported to a job or query error callback.
type Error struct {
	Code ErrorCode
	Msg  string
	ID   uint64
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, id uint64, err error, format string, args ...any) *Error {
	return &Error{Code: code, ID: id, Err: err, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func IsLeaseTimeout(err error) bool { return CodeOf(err) == CodeLeaseTimeout }

func IsCycleTimeout(err error) bool { return CodeOf(err) == CodeCycleTimeout }

// ErrClosed is returned by submissions to a closed Coordinator.
var ErrClosed = &Error{Code: CodeClosed, Msg: "coordinator closed"}

// ErrCycleActive is returned by StartCycle while another cycle is running.
var ErrCycleActive = errors.New("coordinator: a cycle is already active")
