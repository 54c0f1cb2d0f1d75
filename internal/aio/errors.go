package aio

import (
	"errors"
	"fmt"

	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/loop"
)

var (
	// ErrNoSocket means the engine connected without exposing a socket.
	ErrNoSocket = errors.New("mqtt: no socket after connect")
	// ErrConnectionRefused matches every *RefusedError.
	ErrConnectionRefused = errors.New("mqtt: connection refused")
	ErrNotConnected      = errors.New("mqtt: not connected")
	ErrAlreadyConnected  = errors.New("mqtt: already connected")
	// ErrAbandoned fails operations still pending when the connection
	// drops. It wraps the disconnect reason when there is one.
	ErrAbandoned = errors.New("mqtt: operation abandoned due to disconnect")
	// ErrConnectionLost fails a connect whose link drops before CONNACK.
	ErrConnectionLost = errors.New("mqtt: connection lost")
	ErrTimeout        = errors.New("mqtt: operation timed out")
	// ErrInLoop is returned by blocking calls made from the loop goroutine,
	// for example from a topic handler using the context it was given.
	ErrInLoop = loop.ErrInLoop
	// ErrRequestFailed is returned when the engine gives up on a request
	// while the connection stays up, e.g. a filter the engine rejects.
	ErrRequestFailed = engine.ErrRequestFailed
)

// RefusedError reports a broker refusal. Its message is the human readable
// reason, e.g. "Connection Refused: not authorised.".
type RefusedError struct {
	Code engine.ConnackCode
}

func (e *RefusedError) Error() string {
	return e.Code.String()
}

func (e *RefusedError) Is(target error) bool {
	return target == ErrConnectionRefused
}

// mapEngineErr translates engine sentinels into client errors.
func mapEngineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNoConn), errors.Is(err, engine.ErrDestroyed):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}

func abandonedError(reason error) error {
	if reason == nil {
		return ErrAbandoned
	}
	return fmt.Errorf("%w: %w", ErrAbandoned, reason)
}
