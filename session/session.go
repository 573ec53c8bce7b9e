// Package session derives and manages the on-disk artifacts that represent
// one daemon instance: the control socket, the pid file and the stream-port
// file, all confined to a session-scoped directory.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/oqto/browserd/log"
)

// Environment overrides honored by path derivation. These mirror the
// contract the oqto backend uses when it spawns browserd per session.
const (
	EnvSessionDir = "AGENT_BROWSER_SOCKET_DIR"
	EnvBaseDir    = "AGENT_BROWSER_SOCKET_DIR_BASE"
	EnvStreamPort = "AGENT_BROWSER_STREAM_PORT"
)

// Paths holds the filesystem locations belonging to one session.
type Paths struct {
	// Dir is the session-scoped directory containing all artifacts.
	Dir string
	// Socket is the control channel unix socket path.
	Socket string
	// PID is the file holding the daemon's process id.
	PID string
	// StreamPort is the file holding the stream server's TCP port,
	// written only when streaming is enabled.
	StreamPort string
}

// DerivePaths returns the artifact paths for sessionID.
//
// The session directory is AGENT_BROWSER_SOCKET_DIR when set, otherwise
// <base>/<sessionID> where base resolves in order: AGENT_BROWSER_SOCKET_DIR_BASE,
// $XDG_STATE_HOME/oqto/agent-browser, ~/.local/state/oqto/agent-browser,
// and finally the system temp dir. XDG_STATE_HOME is preferred over
// XDG_RUNTIME_DIR because the runtime dir is a tmpfs that sandbox
// bind-mounts cannot share.
func DerivePaths(sessionID string) Paths {
	dir := os.Getenv(EnvSessionDir)
	if dir == "" {
		dir = filepath.Join(baseDir(), sessionID)
	}
	return Paths{
		Dir:        dir,
		Socket:     filepath.Join(dir, sessionID+".sock"),
		PID:        filepath.Join(dir, sessionID+".pid"),
		StreamPort: filepath.Join(dir, sessionID+".stream"),
	}
}

func baseDir() string {
	if base := os.Getenv(EnvBaseDir); base != "" {
		return base
	}
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "oqto", "agent-browser")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "oqto", "agent-browser")
	}
	return filepath.Join(os.TempDir(), "oqto", "agent-browser")
}

// EnsureDir creates the session directory if absent and re-asserts
// owner-only permissions even when it already exists.
func EnsureDir(p Paths) error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory %q: %w", p.Dir, err)
	}
	if err := os.Chmod(p.Dir, 0o700); err != nil {
		return fmt.Errorf("setting permissions on session directory %q: %w", p.Dir, err)
	}
	return nil
}

// RemoveStale removes artifacts left behind by a previous instance of the
// same session. There is no liveness handshake with the previous owner: if
// its pid still looks alive we log a warning but reclaim anyway, matching
// the consumer's expectation that it reaps stale daemons itself.
func RemoveStale(p Paths, logger *log.Logger) {
	if pid, err := ReadPID(p); err == nil && pidAlive(pid) {
		logger.Warnf("session",
			"pid file %s names a live process %d; reclaiming its socket anyway",
			p.PID, pid)
	}
	Cleanup(p)
}

// Cleanup removes the session artifacts. Removal errors are swallowed;
// calling it twice, or with nothing present, is fine.
func Cleanup(p Paths) {
	for _, f := range []string{p.Socket, p.PID, p.StreamPort} {
		_ = os.Remove(f)
	}
}

// WritePID records the current process id in the session's pid file.
func WritePID(p Paths) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(p.PID, []byte(pid+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing pid file %q: %w", p.PID, err)
	}
	return nil
}

// ReadPID returns the pid recorded for this session, if any.
func ReadPID(p Paths) (int, error) {
	raw, err := os.ReadFile(p.PID)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %q: %w", p.PID, err)
	}
	return pid, nil
}

// WriteStreamPort records the stream server's port for consumers.
func WriteStreamPort(p Paths, port int) error {
	data := strconv.Itoa(port) + "\n"
	if err := os.WriteFile(p.StreamPort, []byte(data), 0o600); err != nil {
		return fmt.Errorf("writing stream port file %q: %w", p.StreamPort, err)
	}
	return nil
}

// ReadStreamPort returns the recorded stream server port.
func ReadStreamPort(p Paths) (int, error) {
	raw, err := os.ReadFile(p.StreamPort)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing stream port file %q: %w", p.StreamPort, err)
	}
	return port, nil
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
