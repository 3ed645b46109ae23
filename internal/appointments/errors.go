package appointments

import "errors"

var (
	// ErrNotFound is returned when an appointment does not exist
	ErrNotFound = errors.New("appointment not found")

	// ErrMissingParticipant is returned when patient or doctor id is absent
	ErrMissingParticipant = errors.New("patient and doctor ids are required")

	// ErrInvalidWindow is returned when the scheduled window is empty or inverted
	ErrInvalidWindow = errors.New("scheduled end must be after scheduled start")

	// ErrVersionConflict is returned when a compare-and-swap update lost the race
	ErrVersionConflict = errors.New("appointment was modified concurrently")
)
