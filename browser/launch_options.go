package browser

import (
	"fmt"
	"strings"
)

// Default viewport dimensions, matching the Chromium defaults the
// screencast advertises before anyone overrides them.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

// Size describes viewport dimensions in CSS pixels.
type Size struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// LaunchOptions is the full configuration set applied when the browser is
// launched, explicitly or by auto-launch.
type LaunchOptions struct {
	Headless          bool
	ExecutablePath    string
	Args              []string
	Extensions        []string
	ProfileDir        string
	StorageStatePath  string
	UserAgent         string
	ProxyServer       string
	IgnoreHTTPSErrors bool
	AllowFileAccess   bool
	Viewport          Size
}

// NewLaunchOptions returns launch options with defaults applied.
func NewLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Headless: true,
		Viewport: Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
	}
}

// flags translates the options into the Chromium command line. The data
// dir flag is appended by the process launcher, which owns that directory.
func (l LaunchOptions) flags() []string {
	f := []string{
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
		"--no-startup-window",
		fmt.Sprintf("--window-size=%d,%d", l.Viewport.Width, l.Viewport.Height),
	}
	if l.Headless {
		f = append(f, "--headless=new", "--hide-scrollbars", "--mute-audio")
	}
	if len(l.Extensions) > 0 {
		f = append(f,
			"--disable-extensions-except="+strings.Join(l.Extensions, ","),
			"--load-extension="+strings.Join(l.Extensions, ","))
	}
	if l.UserAgent != "" {
		f = append(f, "--user-agent="+l.UserAgent)
	}
	if l.ProxyServer != "" {
		f = append(f, "--proxy-server="+l.ProxyServer)
	}
	if l.IgnoreHTTPSErrors {
		f = append(f, "--ignore-certificate-errors")
	}
	if l.AllowFileAccess {
		f = append(f, "--allow-file-access-from-files")
	}
	f = append(f, l.Args...)
	return f
}
