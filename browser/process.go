package browser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oqto/browserd/log"
)

// Process is a running Chromium instance owned by the daemon.
type Process struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	dataDir string
	ownsDir bool
	wsURL   string
	done    chan struct{}

	logger *log.Logger
}

// StartProcess launches the Chromium executable with the given options and
// waits for its DevTools endpoint to come up.
func StartProcess(ctx context.Context, opts LaunchOptions, logger *log.Logger) (*Process, error) {
	path := opts.ExecutablePath
	if path == "" {
		var err error
		if path, err = findExecutable(); err != nil {
			return nil, err
		}
	}

	dataDir := opts.ProfileDir
	ownsDir := false
	if dataDir == "" {
		var err error
		if dataDir, err = os.MkdirTemp("", "browserd-profile-*"); err != nil {
			return nil, fmt.Errorf("creating user data directory: %w", err)
		}
		ownsDir = true
	}

	args := append(opts.flags(), "--user-data-dir="+dataDir, "about:blank")

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		cancel()
		if ownsDir {
			_ = os.RemoveAll(dataDir)
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("browser executable does not exist: %s", path)
		}
		return nil, fmt.Errorf("starting browser process: %w", err)
	}

	p := &Process{
		cmd:     cmd,
		cancel:  cancel,
		dataDir: dataDir,
		ownsDir: ownsDir,
		done:    make(chan struct{}),
		logger:  logger,
	}

	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Errorf("browser", "process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
		if p.ownsDir {
			if err := os.RemoveAll(p.dataDir); err != nil {
				logger.Errorf("browser", "cleaning up the user data directory: %v", err)
			}
		}
	}()

	wsURL, err := devToolsURL(dataDir)
	if err != nil {
		p.Terminate()
		return nil, fmt.Errorf("getting DevTools URL: %w", err)
	}
	p.wsURL = wsURL

	return p, nil
}

// WsURL returns the WebSocket URL the browser is listening on for CDP clients.
func (p *Process) WsURL() string { return p.wsURL }

// Pid returns the browser process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Terminate kills the browser process and waits for it to exit.
func (p *Process) Terminate() {
	p.cancel()
	<-p.done
}

// Done is closed once the browser process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// devToolsURL returns the DevTools WebSocket address by reading the
// DevToolsActivePort file in the data directory. The browser might not
// have created the file yet, so it retries after a slight delay.
func devToolsURL(dataDir string) (string, error) {
	const (
		maxReadAttempts  = 40
		readAttemptDelay = 50 * time.Millisecond
	)

	fpath := filepath.Join(dataDir, "DevToolsActivePort")

	var f *os.File
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		var err error
		f, err = os.Open(fpath) //nolint:gosec
		if errors.Is(err, os.ErrNotExist) {
			time.Sleep(readAttemptDelay)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reading %q: %w", fpath, err)
		}
		break
	}
	if f == nil {
		return "", fmt.Errorf("%q did not appear within %s", fpath,
			maxReadAttempts*readAttemptDelay)
	}
	defer f.Close() //nolint:errcheck

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 2 {
		return "", fmt.Errorf("malformed DevToolsActivePort file %q", fpath)
	}

	return fmt.Sprintf("ws://127.0.0.1:%s%s", lines[0], lines[1]), nil
}

// findExecutable locates a Chromium-compatible browser on the host.
func findExecutable() (string, error) {
	candidates := []string{
		"chromium", "chromium-browser",
		"google-chrome", "google-chrome-stable",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	for _, c := range candidates {
		if strings.ContainsRune(c, os.PathSeparator) {
			if _, err := os.Stat(c); err == nil {
				return c, nil
			}
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no Chromium executable found; set --executable-path")
}
