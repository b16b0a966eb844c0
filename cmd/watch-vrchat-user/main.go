// Command watch-vrchat-user watches VRChat friends and posts presence
// changes to a Discord webhook.
//
// The watcher keeps one websocket subscription to the VRChat event
// stream alive, reconciles the friend roster after every reconnect,
// tracks the last known state per friend in a JSON snapshot and
// serves a small HTTP status API.
//
// Usage:
//
//	watch-vrchat-user [flags]
//
// Flags:
//
//	-config string     Configuration file path (default "config.yaml")
//	-state string      Presence snapshot path (overrides the config file)
//	-listen string     Status server listen address (overrides the config file)
//	-log-level string  Log level: debug, info, warn, error (overrides the config file)
//	-event-log string  CBOR event journal path (overrides the config file)
//	-interactive       Run the interactive debug console
//	-version           Print the version and exit
//
// Credentials come from the config file or the environment
// (VRCHAT_USERNAME, VRCHAT_PASSWORD, DISCORD_WEBHOOK_URL).
//
// Examples:
//
//	# Run with a config file
//	watch-vrchat-user -config /etc/watch-vrchat-user/config.yaml
//
//	# Run from the environment only, state in /var/lib
//	VRCHAT_USERNAME=alice VRCHAT_PASSWORD=... DISCORD_WEBHOOK_URL=... \
//	  watch-vrchat-user -state /var/lib/watcher/presence.json
//
//	# Poke around a live watcher
//	watch-vrchat-user -interactive -log-level debug
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomacheese/watch-vrchat-user/cmd/watch-vrchat-user/interactive"
	"github.com/tomacheese/watch-vrchat-user/pkg/config"
	"github.com/tomacheese/watch-vrchat-user/pkg/connection"
	"github.com/tomacheese/watch-vrchat-user/pkg/eventlog"
	"github.com/tomacheese/watch-vrchat-user/pkg/notify"
	"github.com/tomacheese/watch-vrchat-user/pkg/persistence"
	"github.com/tomacheese/watch-vrchat-user/pkg/presence"
	"github.com/tomacheese/watch-vrchat-user/pkg/status"
	"github.com/tomacheese/watch-vrchat-user/pkg/version"
	"github.com/tomacheese/watch-vrchat-user/pkg/vrchat"
	"github.com/tomacheese/watch-vrchat-user/pkg/watcher"
)

var (
	flagConfig      string
	flagState       string
	flagListen      string
	flagLogLevel    string
	flagEventLog    string
	flagInteractive bool
	flagVersion     bool
)

func init() {
	flag.StringVar(&flagConfig, "config", "config.yaml", "Configuration file path")
	flag.StringVar(&flagState, "state", "", "Presence snapshot path (overrides the config file)")
	flag.StringVar(&flagListen, "listen", "", "Status server listen address (overrides the config file)")
	flag.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	flag.StringVar(&flagEventLog, "event-log", "", "CBOR event journal path (overrides the config file)")
	flag.BoolVar(&flagInteractive, "interactive", false, "Run the interactive debug console")
	flag.BoolVar(&flagVersion, "version", false, "Print the version and exit")
}

func main() {
	flag.Parse()

	if flagVersion {
		fmt.Println("watch-vrchat-user " + version.Current)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()

	// Logs go through a switchable writer so the interactive console
	// can take over the screen later without re-wiring every component.
	out := &switchWriter{w: os.Stderr}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("watch-vrchat-user starting",
		slog.String("version", version.Current),
		slog.Int("watched", len(cfg.WatchUserIDs)),
		slog.String("state_file", cfg.StateFile))

	var journal eventlog.Logger
	if cfg.EventLog != "" {
		fileLog, err := eventlog.NewFileLogger(cfg.EventLog)
		if err != nil {
			logger.Error("opening event journal failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer fileLog.Close()
		journal = fileLog
		logger.Info("event journal enabled", slog.String("path", cfg.EventLog))
	}

	var token string
	if cfg.VRChat.AuthTokenFile != "" {
		token, err = loadAuthToken(cfg.VRChat.AuthTokenFile)
		if err != nil {
			logger.Warn("auth token file unreadable, logging in with credentials",
				slog.String("path", cfg.VRChat.AuthTokenFile),
				slog.String("error", err.Error()))
		}
	}

	client := vrchat.NewClient(vrchat.Config{
		Username:  cfg.VRChat.Username,
		Password:  cfg.VRChat.Password,
		AuthToken: token,
		OnAuthToken: func(tok string) {
			if cfg.VRChat.AuthTokenFile == "" {
				return
			}
			if err := saveAuthToken(cfg.VRChat.AuthTokenFile, tok); err != nil {
				logger.Warn("persisting auth token failed", slog.String("error", err.Error()))
			}
		},
		Logger: logger.With(slog.String("component", "vrchat")),
	})

	store := presence.NewStoreWithConfig(
		persistence.NewSnapshotStore(cfg.StateFile),
		presence.StoreConfig{PersistDelay: time.Duration(cfg.PersistDelay)},
	)

	notifier := notify.NewDiscord(notify.DiscordConfig{
		WebhookURL: cfg.Discord.WebhookURL,
		Username:   cfg.Discord.Username,
		Logger:     logger.With(slog.String("component", "discord")),
	})

	w := watcher.New(watcher.Config{
		Client:     client,
		Store:      store,
		Notifier:   notifier,
		WatchedIDs: cfg.WatchUserIDs,
		Supervisor: connection.Config{
			Backoff: connection.NewBackoffWithConfig(connection.BackoffConfig{
				Initial: time.Duration(cfg.Feed.BackoffInitial),
				Max:     time.Duration(cfg.Feed.BackoffMax),
			}),
			AuthCooldown:   time.Duration(cfg.Feed.AuthCooldown),
			ConnectTimeout: time.Duration(cfg.Feed.ConnectTimeout),
			CheckInterval:  time.Duration(cfg.Feed.CheckInterval),
			StaleThreshold: time.Duration(cfg.Feed.StaleThreshold),
		},
		Logger:  logger,
		Journal: journal,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(); err != nil {
		logger.Error("starting watcher failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	statusSrv := status.NewServer(status.Config{
		Addr:       cfg.Status.Listen,
		Supervisor: w.Supervisor(),
		Store:      w.Store(),
		Logger:     logger.With(slog.String("component", "status")),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return statusSrv.Close()
	})

	if cfg.Status.Advertise {
		adv := status.NewAdvertiser()
		if port, err := listenPort(cfg.Status.Listen); err != nil {
			logger.Warn("mDNS advertising disabled", slog.String("error", err.Error()))
		} else if err := adv.Start(advertiseInstance(), port); err != nil {
			logger.Warn("mDNS registration failed", slog.String("error", err.Error()))
		} else {
			defer adv.Stop()
		}
	}

	if flagInteractive {
		ic, err := interactive.New(w)
		if err != nil {
			logger.Error("creating console failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		// Redirect log output through readline so it does not clobber
		// the prompt.
		out.SetOutput(ic.Stdout())
		go ic.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", slog.String("signal", sig.String()))
	case <-gctx.Done():
		// Console quit or status server failure.
	}

	logger.Info("shutting down")
	cancel()
	w.Stop()
	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("goodbye")
}

// loadConfig resolves the configuration: defaults, config file,
// environment, then explicit flag overrides. The config file is
// required only when -config was given explicitly.
func loadConfig() (config.Config, error) {
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var (
		cfg config.Config
		err error
	)
	if explicit["config"] {
		cfg, err = config.Load(flagConfig)
	} else {
		cfg, err = config.LoadOptional(flagConfig)
	}
	if err != nil {
		return config.Config{}, err
	}

	if explicit["state"] {
		cfg.StateFile = flagState
	}
	if explicit["listen"] {
		cfg.Status.Listen = flagListen
	}
	if explicit["log-level"] {
		cfg.LogLevel = flagLogLevel
	}
	if explicit["event-log"] {
		cfg.EventLog = flagEventLog
	}
	return cfg, nil
}

// loadAuthToken reads a previously saved auth cookie. A missing file
// means first run and is not an error.
func loadAuthToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// saveAuthToken writes the auth cookie atomically with owner-only
// permissions: temp file in the same directory, sync, then rename.
func saveAuthToken(path, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".auth-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, 0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write([]byte(token + "\n")); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}

// listenPort extracts the numeric port from a listen address for mDNS
// registration.
func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	if port <= 0 {
		return 0, fmt.Errorf("cannot advertise port %d", port)
	}
	return port, nil
}

// advertiseInstance builds the mDNS instance name from the hostname.
func advertiseInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "watch-vrchat-user"
	}
	return "watch-vrchat-user-" + host
}

// switchWriter is an io.Writer whose destination can be swapped at
// runtime, the slog equivalent of log.SetOutput.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// SetOutput redirects future writes to w.
func (s *switchWriter) SetOutput(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
}
