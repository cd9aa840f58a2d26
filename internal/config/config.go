package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the vigil agent.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Ingest      IngestConfig     `yaml:"ingest"`
	Oracle      OracleConfig     `yaml:"oracle"`
	Store       StoreConfig      `yaml:"store"`
	Logging     LoggingConfig    `yaml:"logging"`
	Policy      PolicyConfig     `yaml:"policy"`
	Engine      EngineConfig     `yaml:"engine"`
	Cache       CacheConfig      `yaml:"cache"`
	Classifiers ClassifierConfig `yaml:"classifiers"`
}

// ServerConfig controls the gRPC control listener and metrics endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// IngestConfig controls the telemetry event listener. Probes connect and
// stream newline-delimited JSON envelopes.
type IngestConfig struct {
	Network string `yaml:"network"` // unix | tcp
	Address string `yaml:"address"`
}

// OracleConfig configures access to the reasoning oracle HTTP API.
type OracleConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	DecidePath string        `yaml:"decidePath"`
	APIKey     string        `yaml:"apiKey"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

// StoreConfig controls sqlite persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PolicyConfig controls command validation and sandboxed execution.
type PolicyConfig struct {
	ExtraDenyPath  string        `yaml:"extraDenyPath"`
	ExecTimeout    time.Duration `yaml:"execTimeout"`
	MaxOutputBytes int           `yaml:"maxOutputBytes"`
	DryRun         bool          `yaml:"dryRun"`
}

// EngineConfig controls the decision loop cadence and gates.
type EngineConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ObserveWindow    time.Duration `yaml:"observeWindow"`
	ObserveLimit     int           `yaml:"observeLimit"`
	SimulateHorizon  time.Duration `yaml:"simulateHorizon"`
	VerifyGrace      time.Duration `yaml:"verifyGrace"`
	VerifyWindow     time.Duration `yaml:"verifyWindow"`
	MinActConfidence float64       `yaml:"minActConfidence"`
	RequireApproval  bool          `yaml:"requireApproval"`
	ApprovalTimeout  time.Duration `yaml:"approvalTimeout"`
	BaselineMaxAge   time.Duration `yaml:"baselineMaxAge"`
}

// CacheConfig controls in-process caching of baseline profiles.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaselineTTL time.Duration `yaml:"baselineTTL"`
}

// ClassifierConfig injects the severity thresholds each classifier scores
// against instead of compiling them in.
type ClassifierConfig struct {
	Syscall   SyscallThresholds   `yaml:"syscall"`
	Scheduler SchedulerThresholds `yaml:"scheduler"`
	PageFault PageFaultThresholds `yaml:"pageFault"`
	System    SystemThresholds    `yaml:"system"`
}

// SyscallThresholds governs syscall latency classification. Latencies are in
// microseconds, rates in errors per sampled call.
type SyscallThresholds struct {
	LatencyHighUS     float64 `yaml:"latencyHighUS"`
	LatencyCriticalUS float64 `yaml:"latencyCriticalUS"`
	ErrorRateHigh     float64 `yaml:"errorRateHigh"`
	ErrorRateCritical float64 `yaml:"errorRateCritical"`
}

// SchedulerThresholds governs run-queue wait classification. Waits are in
// milliseconds.
type SchedulerThresholds struct {
	WaitHighMS     float64 `yaml:"waitHighMS"`
	WaitCriticalMS float64 `yaml:"waitCriticalMS"`
	MigrationsHigh float64 `yaml:"migrationsHigh"`
}

// PageFaultThresholds governs fault-rate classification. Rates are faults
// per second.
type PageFaultThresholds struct {
	MajorFaultHigh     float64 `yaml:"majorFaultHigh"`
	MajorFaultCritical float64 `yaml:"majorFaultCritical"`
	MinorFaultHigh     float64 `yaml:"minorFaultHigh"`
}

// SystemThresholds governs whole-host metric classification. Utilisations
// are fractions of capacity, rates are per second.
type SystemThresholds struct {
	MemoryMedium       float64 `yaml:"memoryMedium"`
	MemoryHigh         float64 `yaml:"memoryHigh"`
	MemoryCritical     float64 `yaml:"memoryCritical"`
	SwapRateHigh       float64 `yaml:"swapRateHigh"`
	IOWaitHigh         float64 `yaml:"ioWaitHigh"`
	IOWaitCritical     float64 `yaml:"ioWaitCritical"`
	LoadPerCoreHigh    float64 `yaml:"loadPerCoreHigh"`
	DiskUtilMedium     float64 `yaml:"diskUtilMedium"`
	DiskUtilHigh       float64 `yaml:"diskUtilHigh"`
	DiskUtilCritical   float64 `yaml:"diskUtilCritical"`
	RetransRateHigh    float64 `yaml:"retransRateHigh"`
	TCPBacklogMedium   float64 `yaml:"tcpBacklogMedium"`
	TCPBacklogHigh     float64 `yaml:"tcpBacklogHigh"`
	TCPBacklogCritical float64 `yaml:"tcpBacklogCritical"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VIGIL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50071",
			MetricsAddress:  ":2114",
			GracefulTimeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			Network: "unix",
			Address: "/run/vigil/events.sock",
		},
		Oracle: OracleConfig{
			DecidePath: "/v1/decide",
			Model:      "gemini-2.0-flash",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
		},
		Store:   StoreConfig{Path: "vigil.db"},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Policy: PolicyConfig{
			ExtraDenyPath:  "",
			ExecTimeout:    30 * time.Second,
			MaxOutputBytes: 64 * 1024,
			DryRun:         false,
		},
		Engine: EngineConfig{
			Interval:         60 * time.Second,
			ObserveWindow:    10 * time.Minute,
			ObserveLimit:     20,
			SimulateHorizon:  30 * time.Minute,
			VerifyGrace:      30 * time.Second,
			VerifyWindow:     2 * time.Minute,
			MinActConfidence: 0.5,
			RequireApproval:  false,
			ApprovalTimeout:  60 * time.Second,
			BaselineMaxAge:   24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:     true,
			BaselineTTL: 5 * time.Minute,
		},
		Classifiers: ClassifierConfig{
			Syscall: SyscallThresholds{
				LatencyHighUS:     10000,
				LatencyCriticalUS: 50000,
				ErrorRateHigh:     0.10,
				ErrorRateCritical: 0.30,
			},
			Scheduler: SchedulerThresholds{
				WaitHighMS:     20,
				WaitCriticalMS: 100,
				MigrationsHigh: 50,
			},
			PageFault: PageFaultThresholds{
				MajorFaultHigh:     10,
				MajorFaultCritical: 100,
				MinorFaultHigh:     10000,
			},
			System: SystemThresholds{
				MemoryMedium:       0.75,
				MemoryHigh:         0.85,
				MemoryCritical:     0.95,
				SwapRateHigh:       100,
				IOWaitHigh:         0.20,
				IOWaitCritical:     0.40,
				LoadPerCoreHigh:    1.5,
				DiskUtilMedium:     0.75,
				DiskUtilHigh:       0.90,
				DiskUtilCritical:   0.98,
				RetransRateHigh:    0.05,
				TCPBacklogMedium:   0.60,
				TCPBacklogHigh:     0.80,
				TCPBacklogCritical: 0.95,
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("VIGIL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("VIGIL_INGEST_NETWORK"); v != "" {
		cfg.Ingest.Network = v
	}
	if v := os.Getenv("VIGIL_INGEST_ADDRESS"); v != "" {
		cfg.Ingest.Address = v
	}
	if v := os.Getenv("VIGIL_ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("VIGIL_ORACLE_DECIDE_PATH"); v != "" {
		cfg.Oracle.DecidePath = v
	}
	if v := os.Getenv("VIGIL_ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("VIGIL_ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("VIGIL_ORACLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Oracle.Timeout = d
		}
	}
	if v := os.Getenv("VIGIL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VIGIL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("VIGIL_POLICY_EXTRA_DENY_PATH"); v != "" {
		cfg.Policy.ExtraDenyPath = v
	}
	if v := os.Getenv("VIGIL_POLICY_DRY_RUN"); v != "" {
		cfg.Policy.DryRun = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("VIGIL_POLICY_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Policy.ExecTimeout = d
		}
	}
	if v := os.Getenv("VIGIL_ENGINE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.Interval = d
		}
	}
	if v := os.Getenv("VIGIL_ENGINE_OBSERVE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.ObserveLimit = n
		}
	}
	if v := os.Getenv("VIGIL_ENGINE_REQUIRE_APPROVAL"); v != "" {
		cfg.Engine.RequireApproval = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("VIGIL_ENGINE_MIN_ACT_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.MinActConfidence = f
		}
	}
	if v := os.Getenv("VIGIL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("VIGIL_CACHE_BASELINE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.BaselineTTL = d
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.Interval <= 0 {
		return fmt.Errorf("engine interval must be positive")
	}
	if cfg.Engine.ObserveLimit <= 0 {
		return fmt.Errorf("engine observe limit must be positive")
	}
	if cfg.Engine.MinActConfidence < 0 || cfg.Engine.MinActConfidence > 1 {
		return fmt.Errorf("engine min act confidence must be within [0,1]")
	}
	if cfg.Policy.ExecTimeout <= 0 {
		return fmt.Errorf("policy exec timeout must be positive")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store path must be set")
	}
	if cfg.Ingest.Network != "unix" && cfg.Ingest.Network != "tcp" {
		return fmt.Errorf("ingest network must be unix or tcp, got %q", cfg.Ingest.Network)
	}
	return nil
}
