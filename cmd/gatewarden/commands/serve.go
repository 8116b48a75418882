package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/accesslog"
	"github.com/knakagaki/gatewarden/internal/api"
	"github.com/knakagaki/gatewarden/internal/audit"
	"github.com/knakagaki/gatewarden/internal/config"
	"github.com/knakagaki/gatewarden/internal/firewall"
	"github.com/knakagaki/gatewarden/internal/gateway"
	"github.com/knakagaki/gatewarden/internal/logging"
	"github.com/knakagaki/gatewarden/internal/monitor"
	"github.com/knakagaki/gatewarden/internal/rules"
)

var firewallBackend string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway with monitoring, auditing and the query API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&firewallBackend, "firewall", "auto",
		"firewall backend: iptables, none, or auto (iptables on linux, none elsewhere)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(level, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting gatewarden",
		zap.String("version", Version),
		zap.Ints("allowed_ports", cfg.Gateway.AllowedPorts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Signature sets, optionally extended from a rule file with hot reload.
	sigs := rules.Default()
	var watcher *rules.Watcher
	if cfg.Gateway.RulesFile != "" {
		loaded, err := rules.LoadFile(cfg.Gateway.RulesFile)
		if err != nil {
			logger.Warn("Falling back to built-in signatures", zap.Error(err))
		} else {
			sigs.Replace(loaded)
		}
		watcher, err = rules.NewWatcher(cfg.Gateway.RulesFile, sigs, logger)
		if err != nil {
			logger.Warn("Rule file watching disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	// Transport-level admission.
	ports := gateway.NewPortManager(
		cfg.Gateway.AllowedPorts, cfg.Gateway.Host,
		cfg.Gateway.ConnectionLogCapacity, gateway.NewSocketProber(), logger)

	bus := gateway.NewAlertBus(256, logger)
	defer bus.Close()

	var alertLog *gateway.AlertLog
	if cfg.Gateway.AlertLogPath != "" {
		alertLog, err = gateway.OpenAlertLog(cfg.Gateway.AlertLogPath)
		if err != nil {
			logger.Warn("Alert persistence disabled", zap.Error(err))
		} else {
			defer alertLog.Close()
		}
	}

	connMon := gateway.NewConnectionMonitor(gateway.MonitorConfig{
		RateLimitWindow:    cfg.Gateway.RateLimitWindow,
		RateLimitMax:       cfg.Gateway.RateLimitMax,
		PortScanWindow:     cfg.Gateway.PortScanWindow,
		PortScanThreshold:  cfg.Gateway.PortScanThreshold,
		AlertCapacity:      cfg.Gateway.AlertCapacity,
		AlertRetention:     cfg.Gateway.AlertRetention,
		AlertSweepInterval: cfg.Gateway.AlertSweepInterval,
		LimitSweepInterval: cfg.Gateway.LimitSweepInterval,
	}, ports, bus, sigs, alertLog, logger)
	connMon.Start(ctx)
	defer connMon.Stop()

	// Durable, threat-scored access log.
	access, err := accesslog.New(accesslog.Config{
		Path:           cfg.AccessLog.Path,
		FlushThreshold: cfg.AccessLog.FlushThreshold,
		FlushInterval:  cfg.AccessLog.FlushInterval,
		MaxSizeBytes:   cfg.AccessLog.MaxSizeBytes,
		MaxRotations:   cfg.AccessLog.MaxRotations,
		BufferCapacity: cfg.AccessLog.BufferCapacity,
	}, sigs, logger)
	if err != nil {
		return fmt.Errorf("failed to open access log: %w", err)
	}
	defer func() {
		if err := access.Close(); err != nil {
			logger.Error("Final access log flush failed", zap.Error(err))
		}
	}()

	// Firewall collaborator.
	fw := selectFirewall(cfg, logger)
	if err := fw.ConfigureSecure(ctx, cfg.Gateway.AllowedPorts); err != nil {
		logger.Warn("Initial firewall configuration failed", zap.Error(err))
	}

	// Audit layer.
	store, err := audit.NewStore(cfg.Audit.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()

	auditor := audit.NewAuditor(store, cfg.Gateway, cfg.Audit, connMon, access, fw, bus, logger)
	auditor.Start(ctx)
	defer auditor.Stop()

	// Periodic orchestration.
	secMon := monitor.New(cfg.Monitor, ports, connMon, auditor, fw, bus,
		cfg.Gateway.AllowedPorts, logger)
	secMon.Start(ctx)
	defer secMon.Stop()

	// Query API.
	if cfg.API.Enabled {
		server := api.NewServer(cfg.API, cfg.Gateway, ports, connMon, access,
			auditor, fw, secMon, bus, logger)
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("API shutdown error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	return nil
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func selectFirewall(cfg *config.Config, logger *zap.Logger) firewall.Manager {
	backend := firewallBackend
	if backend == "auto" {
		if runtime.GOOS == "linux" {
			backend = "iptables"
		} else {
			backend = "none"
		}
	}

	switch backend {
	case "iptables":
		return firewall.NewIptablesManager(cfg.Monitor.FirewallTimeout, logger)
	default:
		logger.Info("Using in-memory firewall backend", zap.String("requested", backend))
		return firewall.NewNoopManager()
	}
}
