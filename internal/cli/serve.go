package cli

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/cardsyncd/internal/auth"
	"github.com/kilupskalvis/cardsyncd/internal/config"
	"github.com/kilupskalvis/cardsyncd/internal/server"
)

var (
	serveListen    string
	serveDataRoot  string
	serveLogLevel  string
	serveLogFormat string
	serveTLSCert   string
	serveTLSKey    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Start the sync server.

Collections, media and the user database live under the data root, one
directory per user. Flags override the config file; environment variables
override the flag defaults.

Examples:
  cardsyncd serve
  cardsyncd serve --listen 0.0.0.0:27701 --data-root /var/lib/cardsyncd
  cardsyncd serve --tls-cert server.crt --tls-key server.key`,
	Run: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", os.Getenv("CARDSYNCD_LISTEN"), "Listen address (host:port)")
	f.StringVar(&serveDataRoot, "data-root", os.Getenv("CARDSYNCD_DATA_ROOT"), "Directory for per-user data")
	f.StringVar(&serveLogLevel, "log-level", os.Getenv("CARDSYNCD_LOG_LEVEL"), "Log level (debug|info|warn|error)")
	f.StringVar(&serveLogFormat, "log-format", os.Getenv("CARDSYNCD_LOG_FORMAT"), "Log format (json|text)")
	f.StringVar(&serveTLSCert, "tls-cert", os.Getenv("CARDSYNCD_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serveTLSKey, "tls-key", os.Getenv("CARDSYNCD_TLS_KEY"), "TLS key file")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		exitError("%v", err)
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}
	if serveDataRoot != "" {
		cfg.DataRoot = serveDataRoot
	}
	if serveLogLevel != "" {
		cfg.LogLevel = serveLogLevel
	}
	if serveLogFormat != "" {
		cfg.LogFormat = serveLogFormat
	}

	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		logger.Error("failed to create data root", "error", err, "path", cfg.DataRoot)
		os.Exit(1)
	}

	users, err := auth.OpenUserStore(cfg.UsersDBPath())
	if err != nil {
		logger.Error("failed to open user store", "error", err)
		os.Exit(1)
	}
	defer users.Close()

	sessions, err := auth.OpenSessionStore(cfg.SessionDBPath())
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	h, handlerCleanup := server.New(cfg, users, sessions, logger).Handler()
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Collection uploads can be large and slow; the write timeout
		// covers full collection downloads.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting cardsyncd", "listen", cfg.ListenAddr, "data_root", cfg.DataRoot)
		var err error
		if serveTLSCert != "" && serveTLSKey != "" {
			err = srv.ListenAndServeTLS(serveTLSCert, serveTLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
