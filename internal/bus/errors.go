package bus

import (
	"errors"
	"fmt"
)

var (
	ErrBrokerUnavailable = errors.New("message broker unavailable")
	ErrMessageTooLarge   = errors.New("message exceeds size limit")
	ErrMalformed         = errors.New("malformed message")
)

// Malformed marks a handler error as a data error: the consumer logs it,
// acknowledges the message and moves on instead of redelivering it.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
