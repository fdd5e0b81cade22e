package redisstream

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is returned when the connection to Redis failed during a
	// read or an acknowledgment. No cursor or acknowledgment state changes on
	// this error; an unacknowledged entry stays pending on the server.
	ErrTransport = errors.New("redisstream: transport failure")

	// ErrDecode is returned when a stream reply does not have the expected
	// shape. It is fatal for the current step and never retried internally.
	ErrDecode = errors.New("redisstream: malformed stream reply")

	// ErrConfig is returned when consumer options fail validation at
	// construction.
	ErrConfig = errors.New("redisstream: invalid consumer configuration")

	// ErrGroupSetup is returned when the stream or consumer group is missing
	// and could not be created at construction.
	ErrGroupSetup = errors.New("redisstream: consumer group setup failed")

	// ErrStopped is returned by Consume once Stop has been requested.
	ErrStopped = errors.New("redisstream: consumer stopped")
)

// HandlerError wraps a failure returned by the caller's handler. The entry it
// names was neither acknowledged nor cursor-advanced, so a fresh consume call
// presents it again.
type HandlerError struct {
	ID  StreamID
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("redisstream: handler failed on entry %s: %v", e.ID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
