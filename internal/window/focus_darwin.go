//go:build darwin

package window

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type macObserver struct{}

func newPlatformObserver() Observer {
	return macObserver{}
}

func (macObserver) Available() (bool, string) {
	if _, err := exec.LookPath("osascript"); err != nil {
		return false, "osascript not found"
	}
	return true, "macOS via System Events (requires accessibility permission)"
}

func (macObserver) ActiveWindow(ctx context.Context) (string, error) {
	app, err := frontmostApp(ctx)
	if err != nil {
		return "", err
	}
	title, err := osascript(ctx, `tell application "System Events" to get name of front window of (first application process whose frontmost is true)`)
	if err != nil || title == "" {
		return app, nil
	}
	return app + " - " + title, nil
}

func (macObserver) IsFullscreen(ctx context.Context) (bool, error) {
	app, err := frontmostApp(ctx)
	if err != nil {
		return false, err
	}
	script := fmt.Sprintf(`tell application "System Events" to tell process %q to get value of attribute "AXFullScreen" of window 1`, app)
	out, err := osascript(ctx, script)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(out, "true"), nil
}

func frontmostApp(ctx context.Context) (string, error) {
	return osascript(ctx, `tell application "System Events" to get name of first application process whose frontmost is true`)
}

func osascript(ctx context.Context, script string) (string, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", script).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
