//go:build linux

package window

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
)

type x11Observer struct{}

func newPlatformObserver() Observer {
	return x11Observer{}
}

func (x11Observer) Available() (bool, string) {
	if os.Getenv("DISPLAY") == "" {
		if os.Getenv("WAYLAND_DISPLAY") != "" {
			return false, "wayland session: foreground window is not observable"
		}
		return false, "no X11 display"
	}
	if _, err := exec.LookPath("xdotool"); err == nil {
		return true, "x11 via xdotool"
	}
	if _, err := exec.LookPath("xprop"); err == nil {
		return true, "x11 via xprop"
	}
	return false, "xdotool or xprop required"
}

func (x11Observer) ActiveWindow(ctx context.Context) (string, error) {
	if out, err := exec.CommandContext(ctx, "xdotool", "getactivewindow", "getwindowname").Output(); err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	id, err := activeWindowID(ctx)
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, "xprop", "-id", id, "_NET_WM_NAME").Output()
	if err != nil {
		return "", err
	}
	return parseXpropString(string(out)), nil
}

func (x11Observer) IsFullscreen(ctx context.Context) (bool, error) {
	id, err := activeWindowID(ctx)
	if err != nil {
		return false, err
	}
	out, err := exec.CommandContext(ctx, "xprop", "-id", id, "_NET_WM_STATE").Output()
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), "_NET_WM_STATE_FULLSCREEN"), nil
}

func activeWindowID(ctx context.Context) (string, error) {
	if out, err := exec.CommandContext(ctx, "xdotool", "getactivewindow").Output(); err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	out, err := exec.CommandContext(ctx, "xprop", "-root", "_NET_ACTIVE_WINDOW").Output()
	if err != nil {
		return "", err
	}
	// _NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", errors.New("unexpected xprop output")
	}
	return fields[len(fields)-1], nil
}

func parseXpropString(out string) string {
	_, value, ok := strings.Cut(out, "=")
	if !ok {
		return strings.TrimSpace(out)
	}
	return strings.Trim(strings.TrimSpace(value), `"`)
}
