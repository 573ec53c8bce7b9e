// Command browserd runs a per-session browser automation daemon: a
// line-JSON control protocol on a session unix socket and an optional
// WebSocket screencast stream for live viewing and input injection.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/oqto/browserd/browser"
	"github.com/oqto/browserd/daemon"
	"github.com/oqto/browserd/log"
	"github.com/oqto/browserd/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "browserd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		sessionID       = flag.String("session", "", "session identifier (default: random)")
		headed          = flag.Bool("headed", false, "run the browser with a visible window")
		executablePath  = flag.String("executable-path", "", "browser executable to launch")
		extensions      = flag.StringArray("extension", nil, "unpacked extension to load (repeatable)")
		profileDir      = flag.String("profile-dir", "", "persistent browser profile directory")
		storageState    = flag.String("storage-state", "", "storage state JSON to restore at launch")
		userAgent       = flag.String("user-agent", "", "user agent override")
		proxy           = flag.String("proxy", "", "proxy server for browser traffic")
		ignoreHTTPS     = flag.Bool("ignore-https-errors", false, "tolerate invalid certificates")
		allowFileAccess = flag.Bool("allow-file-access", false, "allow pages to read local files")
		extraArgs       = flag.StringArray("browser-arg", nil, "extra browser flag (repeatable)")
		width           = flag.Int64("width", browser.DefaultViewportWidth, "viewport width")
		height          = flag.Int64("height", browser.DefaultViewportHeight, "viewport height")
		stream          = flag.Bool("stream", true, "serve the screencast stream")
		streamPort      = flag.Int("stream-port", 0, "stream server port (default: env or OS-assigned)")
		verbose         = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	ll := logrus.New()
	ll.SetOutput(os.Stderr)
	if *verbose {
		ll.SetLevel(logrus.DebugLevel)
	}
	logger := log.New(ll)

	id := *sessionID
	if id == "" {
		id = uuid.NewString()
		logger.Infof("daemon", "no session given, using %s", id)
	}

	port := *streamPort
	if port == 0 {
		if env := os.Getenv(session.EnvStreamPort); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", session.EnvStreamPort, err)
			}
			port = p
		}
	}

	opts := browser.NewLaunchOptions()
	opts.Headless = !*headed
	opts.ExecutablePath = *executablePath
	opts.Extensions = *extensions
	opts.ProfileDir = *profileDir
	opts.StorageStatePath = *storageState
	opts.UserAgent = *userAgent
	opts.ProxyServer = *proxy
	opts.IgnoreHTTPSErrors = *ignoreHTTPS
	opts.AllowFileAccess = *allowFileAccess
	opts.Args = *extraArgs
	opts.Viewport = browser.Size{Width: *width, Height: *height}

	d := daemon.New(daemon.Config{
		SessionID:     id,
		LaunchOptions: opts,
		StreamEnabled: *stream,
		StreamPort:    port,
	}, browser.New(logger), logger)

	// Exit hook; also covers error paths where shutdown never ran.
	defer d.Coordinator().CleanupArtifacts()

	if err := d.Start(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigs
		d.Coordinator().Trigger(fmt.Sprintf("signal %s", sig))
	}()

	d.Wait()
	return nil
}
