// Package browser opens URLs with the platform's default handler.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// ErrUnsupportedPlatform is returned when no opener is known for the OS.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Opener launches the system browser.
type Opener struct {
	goos  string
	start func(name string, args ...string) error
}

// New returns an Opener for the running OS.
func New() *Opener {
	return &Opener{goos: runtime.GOOS, start: startDetached}
}

// Open starts the browser on rawURL and returns without waiting for it.
// Only http and https URLs are opened.
func (o *Opener) Open(_ context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("refusing to open %q url", u.Scheme)
	}

	name, args, err := command(o.goos, rawURL)
	if err != nil {
		return err
	}
	if err := o.start(name, args...); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	return nil
}

func command(goos, rawURL string) (string, []string, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{rawURL}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", rawURL}, nil
	case "darwin":
		return "open", []string{rawURL}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}

// startDetached must not be bound to a request context: the browser outlives
// the call.
func startDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
