package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Logging  LoggingConfig `mapstructure:"logging"`

	Gateway   GatewayConfig   `mapstructure:"gateway"`
	AccessLog AccessLogConfig `mapstructure:"access_log"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	API       APIConfig       `mapstructure:"api"`
}

// LoggingConfig controls the process log output.
type LoggingConfig struct {
	OutputPath string `mapstructure:"output_path"` // empty = stdout
	Encoding   string `mapstructure:"encoding"`    // json or console
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// GatewayConfig configures port authorization and the connection monitor.
type GatewayConfig struct {
	// AllowedPorts is the exposure allow-list. The gateway is designed to
	// expose exactly one service port; more than one is legal but flagged
	// by the compliance battery.
	AllowedPorts []int  `mapstructure:"allowed_ports"`
	Host         string `mapstructure:"host"`

	ConnectionLogCapacity int `mapstructure:"connection_log_capacity"`
	AlertCapacity         int `mapstructure:"alert_capacity"`

	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax      int           `mapstructure:"rate_limit_max"`
	PortScanWindow    time.Duration `mapstructure:"portscan_window"`
	PortScanThreshold int           `mapstructure:"portscan_threshold"`

	AlertRetention     time.Duration `mapstructure:"alert_retention"`
	AlertSweepInterval time.Duration `mapstructure:"alert_sweep_interval"`
	LimitSweepInterval time.Duration `mapstructure:"limit_sweep_interval"`

	// AlertLogPath is the NDJSON alert persistence file. Empty disables it.
	AlertLogPath string `mapstructure:"alert_log_path"`

	// RulesFile optionally extends the built-in signature sets.
	RulesFile string `mapstructure:"rules_file"`
}

// AccessLogConfig configures the durable access log store.
type AccessLogConfig struct {
	Path           string        `mapstructure:"path"`
	FlushThreshold int           `mapstructure:"flush_threshold"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	MaxSizeBytes   int64         `mapstructure:"max_size_bytes"`
	MaxRotations   int           `mapstructure:"max_rotations"`
	BufferCapacity int           `mapstructure:"buffer_capacity"`
}

// AuditConfig configures the audit event store.
type AuditConfig struct {
	DBPath       string        `mapstructure:"db_path"`
	Retention    time.Duration `mapstructure:"retention"`
	TrimInterval time.Duration `mapstructure:"trim_interval"`
	ReportDir    string        `mapstructure:"report_dir"`
}

// MonitorConfig configures the periodic security monitor loop.
type MonitorConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	ReportInterval time.Duration `mapstructure:"report_interval"`

	CPUThreshold    float64 `mapstructure:"cpu_threshold"`
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
	BlockedRatio    float64 `mapstructure:"blocked_ratio"`

	// AnomalyZScore is the z-score above which the request-rate sampler
	// raises an anomaly warning.
	AnomalyZScore float64 `mapstructure:"anomaly_zscore"`

	FirewallTimeout time.Duration `mapstructure:"firewall_timeout"`
}

// APIConfig configures the query API server.
type APIConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ListenAddr   string   `mapstructure:"listen_addr"`
	RateLimit    int      `mapstructure:"rate_limit"`
	Burst        int      `mapstructure:"burst"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Load reads the configuration file, applies environment overrides and
// validates the result. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("GATEWARDEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("gateway.allowed_ports", []int{8443})
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.connection_log_capacity", 1000)
	v.SetDefault("gateway.alert_capacity", 1000)
	v.SetDefault("gateway.rate_limit_window", "60s")
	v.SetDefault("gateway.rate_limit_max", 60)
	v.SetDefault("gateway.portscan_window", "5m")
	v.SetDefault("gateway.portscan_threshold", 5)
	v.SetDefault("gateway.alert_retention", "24h")
	v.SetDefault("gateway.alert_sweep_interval", "1h")
	v.SetDefault("gateway.limit_sweep_interval", "5m")
	v.SetDefault("gateway.alert_log_path", "data/alerts.ndjson")

	v.SetDefault("access_log.path", "data/access.log")
	v.SetDefault("access_log.flush_threshold", 100)
	v.SetDefault("access_log.flush_interval", "10s")
	v.SetDefault("access_log.max_size_bytes", 10*1024*1024)
	v.SetDefault("access_log.max_rotations", 5)
	v.SetDefault("access_log.buffer_capacity", 1000)

	v.SetDefault("audit.db_path", "data/audit.db")
	v.SetDefault("audit.retention", "720h") // 30 days
	v.SetDefault("audit.trim_interval", "1h")
	v.SetDefault("audit.report_dir", "data/reports")

	v.SetDefault("monitor.check_interval", "30s")
	v.SetDefault("monitor.report_interval", "24h")
	v.SetDefault("monitor.cpu_threshold", 90.0)
	v.SetDefault("monitor.memory_threshold", 90.0)
	v.SetDefault("monitor.blocked_ratio", 0.1)
	v.SetDefault("monitor.anomaly_zscore", 3.0)
	v.SetDefault("monitor.firewall_timeout", "30s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.rate_limit", 50)
	v.SetDefault("api.burst", 100)
}

func validate(cfg *Config) error {
	if len(cfg.Gateway.AllowedPorts) == 0 {
		return fmt.Errorf("gateway.allowed_ports must name at least one port")
	}
	for _, p := range cfg.Gateway.AllowedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid port in allow-list: %d", p)
		}
	}

	if cfg.Gateway.RateLimitMax < 1 {
		return fmt.Errorf("gateway.rate_limit_max must be at least 1")
	}
	if cfg.Gateway.RateLimitWindow <= 0 {
		return fmt.Errorf("gateway.rate_limit_window must be positive")
	}
	if cfg.Gateway.PortScanThreshold < 1 {
		return fmt.Errorf("gateway.portscan_threshold must be at least 1")
	}
	if cfg.Gateway.ConnectionLogCapacity < 1 || cfg.Gateway.AlertCapacity < 1 {
		return fmt.Errorf("gateway buffer capacities must be positive")
	}

	if cfg.AccessLog.FlushThreshold < 1 {
		return fmt.Errorf("access_log.flush_threshold must be at least 1")
	}
	if cfg.AccessLog.MaxSizeBytes < 1 {
		return fmt.Errorf("access_log.max_size_bytes must be positive")
	}
	if cfg.AccessLog.MaxRotations < 1 {
		return fmt.Errorf("access_log.max_rotations must be at least 1")
	}

	if cfg.API.Enabled && cfg.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when API is enabled")
	}

	if cfg.Monitor.CheckInterval <= 0 {
		return fmt.Errorf("monitor.check_interval must be positive")
	}

	return nil
}
