//go:build !linux && !darwin && !windows

package window

import "context"

type unavailableObserver struct{}

func newPlatformObserver() Observer {
	return unavailableObserver{}
}

func (unavailableObserver) Available() (bool, string) {
	return false, "unsupported platform"
}

func (unavailableObserver) ActiveWindow(context.Context) (string, error) {
	return "", ErrUnavailable
}

func (unavailableObserver) IsFullscreen(context.Context) (bool, error) {
	return false, ErrUnavailable
}
