package rooms

import "errors"

var (
	ErrPreconditionFailed = errors.New("rooms: appointment window does not allow a room")
	ErrProvisioningFailed = errors.New("rooms: provider could not create room")
	ErrMisconfigured      = errors.New("rooms: provider credentials not configured")
)
