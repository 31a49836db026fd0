//go:build windows

package window

import (
	"context"
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                   = windows.NewLazySystemDLL("user32.dll")
	procGetForegroundWindow  = user32.NewProc("GetForegroundWindow")
	procGetWindowTextW       = user32.NewProc("GetWindowTextW")
	procGetWindowTextLengthW = user32.NewProc("GetWindowTextLengthW")
	procGetWindowRect        = user32.NewProc("GetWindowRect")
	procGetSystemMetrics     = user32.NewProc("GetSystemMetrics")
)

const (
	smCxScreen = 0
	smCyScreen = 1
)

type rect struct {
	Left, Top, Right, Bottom int32
}

type win32Observer struct{}

func newPlatformObserver() Observer {
	return win32Observer{}
}

func (win32Observer) Available() (bool, string) {
	if err := user32.Load(); err != nil {
		return false, "user32.dll not loadable: " + err.Error()
	}
	return true, "win32 foreground window"
}

func (win32Observer) ActiveWindow(_ context.Context) (string, error) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return "", errors.New("no foreground window")
	}
	n, _, _ := procGetWindowTextLengthW.Call(hwnd)
	if n == 0 {
		return "", nil
	}
	buf := make([]uint16, n+1)
	procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return windows.UTF16ToString(buf), nil
}

// IsFullscreen treats a foreground window covering the primary screen as
// fullscreen.
func (win32Observer) IsFullscreen(_ context.Context) (bool, error) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return false, errors.New("no foreground window")
	}
	var r rect
	ok, _, err := procGetWindowRect.Call(hwnd, uintptr(unsafe.Pointer(&r)))
	if ok == 0 {
		return false, err
	}
	w, _, _ := procGetSystemMetrics.Call(smCxScreen)
	h, _, _ := procGetSystemMetrics.Call(smCyScreen)
	return r.Left <= 0 && r.Top <= 0 && r.Right >= int32(w) && r.Bottom >= int32(h), nil
}
