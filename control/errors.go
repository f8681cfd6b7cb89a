package control

import "errors"

var (
	// ErrUnknownChannel means a producer referenced a channel id outside
	// the configured pool. The run is aborted.
	ErrUnknownChannel = errors.New("unknown channel id")

	// ErrUnknownEvent means a message carried an event kind the control
	// loop does not understand. The run is aborted.
	ErrUnknownEvent = errors.New("unknown control event")

	// ErrQueueClosed means the producer side went away before Stop
	// was sent.
	ErrQueueClosed = errors.New("control queue closed before stop")

	// ErrStopped is returned when Run is called on an orchestrator that
	// already ran.
	ErrStopped = errors.New("orchestrator already ran")

	// ErrInvalidLayout is returned by New for a bootstrap input it
	// cannot run.
	ErrInvalidLayout = errors.New("invalid channel layout")
)
