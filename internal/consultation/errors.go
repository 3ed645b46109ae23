package consultation

import "errors"

var (
	// ErrStaleState means the appointment's current state does not allow the
	// requested operation. Callers retrying should re-read first.
	ErrStaleState = errors.New("consultation: appointment state does not allow this operation")

	ErrInvalidRequest = errors.New("consultation: invalid request")
)
