// Command server receives signed heat pump telemetry and serves scoped
// series, latest-state and live views of it.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"heatpump/server/authz"
	"heatpump/server/cursor"
	"heatpump/server/handlers"
	"heatpump/server/identity"
	"heatpump/server/ingest"
	"heatpump/server/latest"
	"heatpump/server/live"
	"heatpump/server/logger"
	"heatpump/server/opsmetrics"
	"heatpump/server/series"
	"heatpump/server/storage"
)

var (
	Version   = "dev"     // Semantic version (e.g., "0.1.0")
	BuildTime = "unknown" // Build timestamp
	GitCommit = "unknown" // Git commit hash
	BuildType = "dev"     // "dev" or "release"
)

var serverLogger *logger.Logger

// runOptions carries command-line overrides into runServer.
type runOptions struct {
	ConfigPath string
	Port       int
	DBPath     string
	LogLevel   string
}

func main() {
	configPath := flag.String("config", "config.toml", "Path to the TOML configuration file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (error, warn, info, debug, trace)")
	svcCmd := flag.String("service", "", "Service control: install, uninstall, start, stop or run")
	healthCheck := flag.Bool("health-check", false, "Probe the local /health endpoint and exit")
	generateConfig := flag.Bool("generate-config", false, "Write a default config file to -config and exit")
	flag.Parse()

	opts := runOptions{ConfigPath: *configPath, Port: *port, DBPath: *dbPath, LogLevel: *logLevel}

	switch {
	case *generateConfig:
		if err := WriteDefaultConfig(*configPath); err != nil {
			logFatal("Failed to write default config", "error", err)
		}
		fmt.Printf("Wrote default configuration to %s\n", *configPath)
		return
	case *healthCheck:
		p := *port
		if p == 0 {
			if cfg, _, err := LoadConfig(*configPath); err == nil {
				p = cfg.Server.HTTPPort
			}
		}
		if err := handlers.RunHealthCheck(p); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	case *svcCmd != "":
		if err := handleServiceCommand(*svcCmd, opts); err != nil {
			logFatal("Service command failed", "command", *svcCmd, "error", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runServer(ctx, opts); err != nil {
		logFatal("Server failed", "error", err)
	}
}

// runServer loads configuration, wires every component and serves until ctx
// is canceled.
func runServer(ctx context.Context, opts runOptions) error {
	cfg, tracker, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Port != 0 {
		cfg.Server.HTTPPort = opts.Port
	}
	if opts.DBPath != "" {
		cfg.Database.Path = opts.DBPath
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = "logs"
	}
	serverLogger = logger.New(cfg.parsedLevel(), logDir, 1000)
	defer serverLogger.Close()
	storage.SetLogger(serverLogger)
	slogger := serverLogger.Slog()

	logInfo("Server starting", "version", Version, "commit", GitCommit, "go", runtime.Version())
	if len(tracker.EnvKeys) > 0 {
		keys := make([]string, 0, len(tracker.EnvKeys))
		for k := range tracker.EnvKeys {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		logInfo("Configuration overridden by environment", "keys", keys)
	}

	store, err := storage.Open(storage.Config{
		Driver:              cfg.Database.Driver,
		Path:                cfg.Database.Path,
		DSN:                 cfg.Database.DSN,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		ConnMaxLifetimeSecs: cfg.Database.ConnMaxLifetimeSecs,
		ChunkSize:           cfg.Ingest.ChunkSize,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	logInfo("Database initialized", "driver", cfg.Database.Driver)

	secret := []byte(cfg.Cursor.Secret)
	if len(secret) == 0 {
		secret = make([]byte, cursor.MinSecretLen)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate cursor secret: %w", err)
		}
		logWarn("No cursor secret configured; generated a per-process secret. Device tokens will not survive a restart.")
	}
	sealer, err := cursor.NewSealer(secret)
	if err != nil {
		return fmt.Errorf("cursor: %w", err)
	}
	pseudo := authz.NewPseudonymizer(sealer)

	verifier := ingest.NewSignatureVerifier(ingest.KeySource{PEM: cfg.Ingest.PublicKeyPEM, Path: cfg.Ingest.PublicKeyPath})
	if !verifier.Configured() {
		logWarn("No ingest public key configured; ingest will answer 503 until one is provided")
	}

	var auth identity.Authenticator
	if cfg.Identity.Issuer != "" {
		oidcAuth, err := identity.NewOIDCAuthenticator(ctx, identity.OIDCConfig{
			Issuer:            cfg.Identity.Issuer,
			ClientID:          cfg.Identity.ClientID,
			AdminRole:         cfg.Identity.AdminRole,
			SkipClientIDCheck: cfg.Identity.SkipClientIDCheck,
		})
		if err != nil {
			logError("OIDC provider unavailable; dashboard routes will answer 503", "issuer", cfg.Identity.Issuer, "error", err)
		} else {
			auth = oidcAuth
		}
	} else {
		logWarn("No OIDC issuer configured; dashboard routes will answer 503")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := opsmetrics.NewRecorder(opsmetrics.Options{
		Store:         store,
		Registerer:    registry,
		Logger:        slogger.With("component", "opsmetrics"),
		Retention:     time.Duration(cfg.Ops.RetentionDays) * 24 * time.Hour,
		PruneInterval: time.Duration(cfg.Ops.PruneIntervalMinutes) * time.Minute,
	})

	hub := live.NewHub(slogger.With("component", "live"))
	defer hub.Stop()

	ingestSvc := ingest.NewService(ingest.ServiceOptions{
		Verifier:  verifier,
		Validator: ingest.NewValidator(cfg.Ingest.MaxRecords),
		Store:     store,
		Publisher: hub,
		Logger:    serverLogger,
	})

	router := newRouter(routeDeps{
		Health: handlers.NewHealthAPI(handlers.HealthAPIOptions{
			Version:     Version,
			BuildTime:   BuildTime,
			GitCommit:   GitCommit,
			BuildType:   BuildType,
			DB:          store,
			DBBackend:   cfg.Database.Driver,
			LiveClients: hub.Clients,
		}),
		Ingest:   ingest.NewHandler(ingestSvc, cfg.Server.MaxIngestBytes),
		Series:   series.NewHandler(series.NewService(store, pseudo)),
		Latest:   latest.NewHandler(latest.NewService(store, pseudo)),
		Stream:   live.NewStreamHandler(hub, pseudo, slogger.With("component", "stream"), originChecker(cfg.Server.AllowedOrigins)),
		Ops:      recorder,
		Metrics:  opsmetrics.MetricsHandler(registry),
		Identity: auth,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logBridgeWriter{level: logger.WARN}, "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		logInfo("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logInfo("Shutting down")
	timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	hub.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logWarn("Graceful shutdown incomplete", "error", err)
	}
	return nil
}

// originChecker accepts same-origin websocket requests plus the configured
// origins. Nil keeps gorilla's same-origin default.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host || slices.Contains(allowed, origin)
	}
}
