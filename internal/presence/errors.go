package presence

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable reports a failed store read or write.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound reports an operation on an unknown connection id.
	ErrNotFound = errors.New("connection not found")

	// ErrDeliveryFailure reports a failed outbound send to one connection.
	ErrDeliveryFailure = errors.New("delivery failed")

	// ErrConnectionGone is returned by senders when the target session is no
	// longer open.
	ErrConnectionGone = fmt.Errorf("connection gone: %w", ErrDeliveryFailure)

	// ErrDeliveryTimeout is returned by senders when a send could not complete
	// in time.
	ErrDeliveryTimeout = fmt.Errorf("delivery timed out: %w", ErrDeliveryFailure)

	// ErrMalformedInput reports a missing or invalid field in an event.
	ErrMalformedInput = errors.New("malformed input")
)

// StorageError wraps a backend error so that it matches ErrStorageUnavailable.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}

// classify maps a deadline overrun onto the storage taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
