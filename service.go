package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kardianos/service"
)

const serviceStopTimeout = 30 * time.Second

// program implements service.Interface
type program struct {
	opts      runOptions
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("Heat pump telemetry service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runServer(p.ctx, p.opts); err != nil {
		logError("Server exited with error", "error", err)
		if p.svcLogger != nil {
			p.svcLogger.Error(err)
		}
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("Heat pump telemetry service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("Heat pump telemetry service stopped gracefully")
		}
	case <-time.After(serviceStopTimeout):
		if p.svcLogger != nil {
			p.svcLogger.Warning("Heat pump telemetry service stopped with timeout")
		}
	}
	return nil
}

// serviceBaseDir is the platform data directory used when running as a service.
func serviceBaseDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "HeatPump", "server")
	case "darwin":
		return "/Library/Application Support/HeatPump/server"
	default:
		return "/var/lib/heatpump/server"
	}
}

// serviceConfigPath is where the service reads its TOML configuration.
func serviceConfigPath() string {
	if runtime.GOOS == "linux" {
		return "/etc/heatpump/server.toml"
	}
	return filepath.Join(serviceBaseDir(), "config.toml")
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig() *service.Config {
	return &service.Config{
		Name:             "HeatPumpTelemetry",
		DisplayName:      "Heat Pump Telemetry Server",
		Description:      "Receives signed heat pump telemetry batches and serves scoped series, latest state and live feeds.",
		WorkingDirectory: serviceBaseDir(),
		Arguments:        []string{"-service", "run", "-config", serviceConfigPath()},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",

			// macOS launchd options
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// setupServiceDirectories creates the data, log and config locations and a
// default config file when none exists.
func setupServiceDirectories() error {
	base := serviceBaseDir()
	dirs := []string{base, filepath.Join(base, "logs"), filepath.Dir(serviceConfigPath())}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	configPath := serviceConfigPath()
	if err := WriteDefaultConfig(configPath); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			fmt.Printf("Configuration already exists at: %s\n", configPath)
			return nil
		}
		return fmt.Errorf("failed to generate default config at %s: %w", configPath, err)
	}
	fmt.Printf("Generated default configuration at: %s\n", configPath)
	return nil
}

// handleServiceCommand runs one of install, uninstall, start, stop or run.
func handleServiceCommand(cmd string, opts runOptions) error {
	prg := &program{opts: opts}
	svc, err := service.New(prg, getServiceConfig())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch cmd {
	case "run":
		return svc.Run()
	case "install":
		if err := setupServiceDirectories(); err != nil {
			return err
		}
		if err := svc.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		fmt.Println("Service installed")
	case "uninstall", "start", "stop":
		if err := service.Control(svc, cmd); err != nil {
			return fmt.Errorf("failed to %s service: %w", cmd, err)
		}
		fmt.Printf("Service %s: ok\n", cmd)
	default:
		return fmt.Errorf("unknown service command %q (want install, uninstall, start, stop or run)", cmd)
	}
	return nil
}
