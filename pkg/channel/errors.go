package channel

import "errors"

var (
	// ErrClosedChannel is the failure reported for operations on, or writes pending on, a closed channel.
	ErrClosedChannel = errors.New("channel closed")

	// ErrDuplicateName is returned when a handler is added under a name already present in the pipeline.
	ErrDuplicateName = errors.New("duplicate handler name")

	// ErrNoSuchHandler is returned when a named handler or context cannot be found.
	ErrNoSuchHandler = errors.New("no such handler")

	// ErrAlreadyRegistered is returned when registering a channel that is already registered.
	ErrAlreadyRegistered = errors.New("channel already registered")

	// ErrNotRegistered is returned for operations that need an execution context before one is attached.
	ErrNotRegistered = errors.New("channel not registered")

	// ErrNotConnected is reported for writes flushed on a channel that is not active.
	ErrNotConnected = errors.New("channel not connected")

	// ErrAlreadyConnected is returned by connect on an active or connecting channel.
	ErrAlreadyConnected = errors.New("channel already connected or connecting")

	// ErrUnsupportedMessage is reported for outbound messages the transport cannot write.
	ErrUnsupportedMessage = errors.New("unsupported message type")

	// ErrInvalidOption is returned for unknown options or invalid option values.
	ErrInvalidOption = errors.New("invalid channel option")

	// ErrHandlerPanic wraps a panic recovered from a handler callback.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrHandlerLifecycle wraps a failure returned from HandlerAdded or HandlerRemoved.
	ErrHandlerLifecycle = errors.New("handler lifecycle callback failed")
)
