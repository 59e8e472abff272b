package bifaci

import (
	"fmt"
)

// ErrorKind classifies channel failures
type ErrorKind int

const (
	// KindProtocol covers malformed frames and unknown operations.
	// The channel is unusable afterwards.
	KindProtocol ErrorKind = iota
	// KindTransport covers closed streams and workers that exited
	KindTransport
	// KindUsage covers misuse of the API at the call site
	KindUsage
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol error"
	case KindTransport:
		return "transport error"
	case KindUsage:
		return "usage error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a failure raised by the engine itself, as opposed to a fault
// raised inside a remote handler (see InvocationError).
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and message so sentinels survive wrapping with a
// cause. A target with an empty message matches every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// with returns a copy of e carrying cause
func (e *Error) with(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Err: cause}
}

var (
	// ErrProtocol matches every protocol error
	ErrProtocol = &Error{Kind: KindProtocol}
	// ErrTransport matches every transport error
	ErrTransport = &Error{Kind: KindTransport}
	// ErrUsage matches every usage error
	ErrUsage = &Error{Kind: KindUsage}

	ErrUnexpectedEOF       = &Error{Kind: KindTransport, Message: "unexpected end of stream"}
	ErrWorkerFailedToStart = &Error{Kind: KindTransport, Message: "worker failed to start"}
	ErrInvalidHandle       = &Error{Kind: KindTransport, Message: "invalid channel handle"}
	ErrRemoteQuit          = &Error{Kind: KindTransport, Message: "remote side quit"}

	ErrNotStarted           = &Error{Kind: KindUsage, Message: "controller not started"}
	ErrAlreadyStarted       = &Error{Kind: KindUsage, Message: "controller already started"}
	ErrDisposed             = &Error{Kind: KindUsage, Message: "channel disposed"}
	ErrConcurrentInvoke     = &Error{Kind: KindUsage, Message: "another invoke is outstanding in this direction"}
	ErrContextExpired       = &Error{Kind: KindUsage, Message: "operation context used after its invocation returned"}
	ErrMultipleCancellation = &Error{Kind: KindUsage, Message: "more than one cancellation signal"}
	ErrCancellationMismatch = &Error{Kind: KindUsage, Message: "cancellation declaration mismatch"}
)

func newProtocolError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

func newUsageError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUsage, Message: fmt.Sprintf(format, args...)}
}

// InvocationError is a fault raised by a remotely executed handler. Only
// the message, the remote type name and the remote stack trace cross the
// channel; the original fault value is never reconstructed.
type InvocationError struct {
	Message          string
	RemoteType       string
	RemoteStackTrace string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.RemoteType, e.Message)
}

// invocationErrorFromFrame converts an exception frame
func invocationErrorFromFrame(f *Frame) *InvocationError {
	err := &InvocationError{
		Message:    f.Message,
		RemoteType: f.FaultType,
	}
	if f.StackTrace != nil {
		err.RemoteStackTrace = *f.StackTrace
	}
	return err
}

// handlerPanic wraps a value recovered from a handler
type handlerPanic struct {
	value interface{}
	stack []byte
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

// exceptionFrame describes a handler failure on the wire. A recovered
// panic is unwrapped to the panic value and carries the stack captured at
// the point of recovery; a returned error carries no stack.
func exceptionFrame(err error) *Frame {
	if p, ok := err.(*handlerPanic); ok {
		message := fmt.Sprint(p.value)
		if perr, ok := p.value.(error); ok {
			message = perr.Error()
		}
		stack := string(p.stack)
		return NewException(message, fmt.Sprintf("%T", p.value), &stack)
	}
	return NewException(err.Error(), fmt.Sprintf("%T", err), nil)
}
