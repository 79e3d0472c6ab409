// Package main implements notekeep-auth, the privilege-separated
// authentication sub-daemon. The front end starts it with an inherited
// socketpair descriptor and talks length-framed protobuf over it; this
// process is the only one holding the JWT private key, the password
// pepper, and the session database.
//
// Process isolation (fork/exec, descriptor passing, privilege dropping) is
// the parent's job and has already happened by the time main runs.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notekeep-io/notekeep/internal/auth"
	"github.com/notekeep-io/notekeep/internal/dispatcher"
	"github.com/notekeep-io/notekeep/internal/hasher"
	"github.com/notekeep-io/notekeep/internal/metrics"
	"github.com/notekeep-io/notekeep/internal/sessionstore"
	"github.com/notekeep-io/notekeep/internal/token"
	"github.com/notekeep-io/notekeep/internal/userdb"
	"github.com/notekeep-io/notekeep/internal/watcher"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	socketFD    int
	userDBPath  string
	dataDir     string
	privateKey  string
	pepperPath  string
	logLevel    string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "notekeep-auth",
		Short: "Notekeep authentication sub-daemon",
		Long: `notekeep-auth is the privilege-separated authentication half of
notekeep. It owns the credential pepper, the JWT signing key, and the
session database, and serves login/refresh/logout commands over the
socket inherited from the front-end daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().IntVar(&cfg.socketFD, "socket-fd", -1, "Inherited IPC socket file descriptor (required)")
	root.PersistentFlags().StringVar(&cfg.userDBPath, "user-db", envOrDefault("NOTEKEEP_USER_DB", "/etc/notekeep/users.toml"), "User database file")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("NOTEKEEP_DATA_DIR", "/var/notekeep"), "Data directory (session db lives in <data-dir>/private)")
	root.PersistentFlags().StringVar(&cfg.privateKey, "private-key", envOrDefault("NOTEKEEP_JWT_PRIVATE_KEY", "/etc/notekeep/private/jwt_private_key.json"), "Private JWK for access-token signing")
	root.PersistentFlags().StringVar(&cfg.pepperPath, "pepper", envOrDefault("NOTEKEEP_PEPPER", "/etc/notekeep/private/pepper"), "Password pepper file")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NOTEKEEP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("NOTEKEEP_METRICS_ADDR", ""), "Prometheus listen address (empty = disabled)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notekeep-auth %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.socketFD < 0 {
		return fmt.Errorf("--socket-fd is required")
	}

	logger.Info("starting notekeep-auth",
		zap.String("version", version),
		zap.String("user_db", cfg.userDBPath),
		zap.String("data_dir", cfg.dataDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- IPC socket ---
	conn, err := socketFromFD(cfg.socketFD)
	if err != nil {
		return err
	}
	defer conn.Close()

	// --- File watcher (shared by both stores) ---
	fw, err := watcher.New(logger, watcher.DefaultDebounce)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	// --- Hasher ---
	h, err := hasher.New(hasher.DefaultParams, cfg.pepperPath)
	if err != nil {
		return fmt.Errorf("failed to initialize hasher: %w", err)
	}

	// --- User db ---
	users, err := userdb.Open(cfg.userDBPath, h, fw, logger)
	if err != nil {
		return fmt.Errorf("failed to open user db: %w", err)
	}
	defer users.Close()

	// --- Session store ---
	sessionPath := filepath.Join(cfg.dataDir, "private", "sessions.toml")
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	sessions, err := sessionstore.Open(sessionPath, fw, logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	// --- Token issuer ---
	issuer, err := token.NewIssuer(cfg.privateKey)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if cfg.metricsAddr != "" {
		go serveMetrics(cfg.metricsAddr, registry, logger)
	}

	// --- Dispatch loop ---
	svc := auth.NewService(users, sessions, issuer, logger)
	disp := dispatcher.New(svc, m, logger)

	// A shutdown signal closes the socket, which unblocks the dispatch
	// loop's read.
	go func() {
		<-ctx.Done()
		conn.Close() //nolint:errcheck
	}()

	if err := disp.Run(conn); err != nil {
		if ctx.Err() != nil {
			logger.Info("shutting down on signal")
			return nil
		}
		return fmt.Errorf("dispatch loop failed: %w", err)
	}

	logger.Info("notekeep-auth terminating normally")
	return nil
}

// socketFromFD adopts the socketpair end inherited from the front end.
func socketFromFD(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "auth-ipc")
	if f == nil {
		return nil, fmt.Errorf("invalid socket fd %d", fd)
	}
	conn, err := net.FileConn(f)
	// net.FileConn dups the descriptor; the original must not stay open.
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to adopt socket fd %d: %w", fd, err)
	}
	return conn, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("metrics server error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
