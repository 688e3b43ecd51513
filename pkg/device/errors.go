package device

import "errors"

// Errors for platform operations
var (
	ErrNoDevices      = errors.New("no UIO devices found")
	ErrPlatformClosed = errors.New("platform is closed")
	ErrNoController   = errors.New("no such controller")
)
