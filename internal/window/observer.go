package window

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("window observation unavailable on this platform")

// Observer reports the foreground window. Implementations are selected per
// platform at build time.
type Observer interface {
	ActiveWindow(ctx context.Context) (string, error)
	IsFullscreen(ctx context.Context) (bool, error)
	Available() (bool, string)
}

// NewObserver returns the observer for the running platform.
func NewObserver() Observer {
	return newPlatformObserver()
}
