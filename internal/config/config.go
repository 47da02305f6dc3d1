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

	"github.com/miradorstack/mirador-risk/internal/agents"
	"github.com/miradorstack/mirador-risk/internal/audit"
	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/fusion"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/orchestrator"
	"github.com/miradorstack/mirador-risk/internal/scheduler"
	"github.com/miradorstack/mirador-risk/internal/state"
	"github.com/miradorstack/mirador-risk/internal/store"
)

// Config captures every setting required to boot the risk engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Cache        CacheConfig        `yaml:"cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Detection    DetectionConfig    `yaml:"detection"`
	Agents       AgentsConfig       `yaml:"agents"`
	Audit        audit.Config       `yaml:"audit"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig controls the Valkey-backed state payload cache and guardrail snapshots.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	StateTTL     time.Duration `yaml:"stateTTL"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
}

// Valkey converts the section into provider settings.
func (c CacheConfig) Valkey() cache.ValkeyConfig {
	return cache.ValkeyConfig{
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		MaxRetries:   c.MaxRetries,
		TLS:          c.TLS,
	}
}

// OrchestratorConfig bounds investigation fan-out and configures fusion weights.
type OrchestratorConfig struct {
	Domains                    []string                      `yaml:"domains"`
	MaxDomainsPerInvestigation int                           `yaml:"maxDomainsPerInvestigation"`
	MaxInvestigations          int                           `yaml:"maxInvestigations"`
	CallTimeout                time.Duration                 `yaml:"callTimeout"`
	Retry                      orchestrator.RetryPolicy      `yaml:"retry"`
	Weights                    map[string]float64            `yaml:"weights"`
	SegmentWeights             map[string]map[string]float64 `yaml:"segmentWeights"`
	// RulesPath points at the recommendation rules file. Empty disables recommendations.
	RulesPath string `yaml:"rulesPath"`
}

// Runtime converts the section into orchestrator settings.
func (c OrchestratorConfig) Runtime() orchestrator.Config {
	domains := make([]models.Domain, 0, len(c.Domains))
	for _, d := range c.Domains {
		domains = append(domains, models.Domain(strings.ToLower(strings.TrimSpace(d))))
	}
	return orchestrator.Config{
		Domains:                    domains,
		MaxDomainsPerInvestigation: c.MaxDomainsPerInvestigation,
		MaxInvestigations:          c.MaxInvestigations,
		CallTimeout:                c.CallTimeout,
		Retry:                      c.Retry,
	}
}

// WeightTable builds the validated fusion weights. Empty weights use the reference table.
func (c OrchestratorConfig) WeightTable() (*fusion.WeightTable, error) {
	var def fusion.Weights
	if len(c.Weights) > 0 {
		def = toWeights(c.Weights)
	}
	segments := make(map[string]fusion.Weights, len(c.SegmentWeights))
	for name, w := range c.SegmentWeights {
		segments[name] = toWeights(w)
	}
	return fusion.NewWeightTable(def, segments)
}

func toWeights(in map[string]float64) fusion.Weights {
	out := make(fusion.Weights, len(in))
	for d, v := range in {
		out[models.Domain(strings.ToLower(d))] = v
	}
	return out
}

// DetectionConfig controls the scheduler and its data source.
type DetectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DetectorsPath   string        `yaml:"detectorsPath"`
	Watch           bool          `yaml:"watch"`
	Tick            time.Duration `yaml:"tick"`
	MisfireGrace    time.Duration `yaml:"misfireGrace"`
	SeedLookback    time.Duration `yaml:"seedLookback"`
	SourceURL       string        `yaml:"sourceURL"`
	SourceTimeout   time.Duration `yaml:"sourceTimeout"`
	SourceRateLimit float64       `yaml:"sourceRateLimit"`
	SourceBurst     int           `yaml:"sourceBurst"`
	Trigger         TriggerConfig `yaml:"trigger"`
}

// Runtime converts the section into scheduler settings.
func (c DetectionConfig) Runtime() scheduler.Config {
	return scheduler.Config{Tick: c.Tick, MisfireGrace: c.MisfireGrace, SeedLookback: c.SeedLookback}
}

// TriggerConfig controls anomaly-triggered investigations.
type TriggerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	OwnerID          string   `yaml:"ownerID"`
	MinSeverity      string   `yaml:"minSeverity"`
	EntityDimensions []string `yaml:"entityDimensions"`
}

// AgentsConfig wires domain agents.
type AgentsConfig struct {
	Endpoints       map[string]AgentEndpoint `yaml:"endpoints"`
	NetworkRules    []agents.NetworkRule     `yaml:"networkRules"`
	NetworkBaseline float64                  `yaml:"networkBaseline"`
}

// AgentEndpoint configures one HTTP domain agent.
type AgentEndpoint struct {
	BaseURL   string        `yaml:"baseURL"`
	Path      string        `yaml:"path"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rateLimit"`
	Burst     int           `yaml:"burst"`
}

// StateConfig derives state service settings from the cache section.
func (c *Config) StateConfig() state.Config {
	return state.Config{CacheTTL: c.Cache.StateTTL}
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_RISK_CONFIG")
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	retry := orchestrator.DefaultRetryPolicy()
	domains := make([]string, 0, len(models.AllDomains()))
	for _, d := range models.AllDomains() {
		domains = append(domains, string(d))
	}
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Storage: StorageConfig{Driver: "sqlite", DSN: "data/mirador-risk.db"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			StateTTL:     10 * time.Second,
			SnapshotTTL:  24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			Domains:                    domains,
			MaxDomainsPerInvestigation: 5,
			MaxInvestigations:          50,
			CallTimeout:                10 * time.Second,
			Retry:                      retry,
		},
		Detection: DetectionConfig{
			Enabled:         true,
			DetectorsPath:   "configs/detectors/default.yaml",
			Watch:           true,
			Tick:            time.Second,
			MisfireGrace:    30 * time.Second,
			SeedLookback:    24 * time.Hour,
			SourceTimeout:   5 * time.Second,
			SourceRateLimit: 20,
			SourceBurst:     5,
			Trigger: TriggerConfig{
				OwnerID:          "system:detection",
				MinSeverity:      string(models.SeverityWarning),
				EntityDimensions: []string{"ip", "device_id", "user_id", "merchant"},
			},
		},
		Agents: AgentsConfig{NetworkBaseline: 0.1},
		Audit:  audit.DefaultConfig(),
	}
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" && c.Server.HTTPAddress == "" {
		errs = append(errs, errors.New("server: at least one of address or httpAddress is required"))
	}
	if c.Server.GracefulTimeout <= 0 {
		errs = append(errs, errors.New("server.gracefulTimeout must be positive"))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case store.DriverSQLite, store.DriverPostgres, "sqlite3", "postgresql":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for SQL drivers"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when the cache is enabled"))
	}

	o := c.Orchestrator
	if o.MaxDomainsPerInvestigation <= 0 {
		errs = append(errs, errors.New("orchestrator.maxDomainsPerInvestigation must be positive"))
	}
	if o.MaxInvestigations <= 0 {
		errs = append(errs, errors.New("orchestrator.maxInvestigations must be positive"))
	}
	if o.CallTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.callTimeout must be positive"))
	}
	if o.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("orchestrator.retry.maxAttempts must be positive"))
	}
	for _, d := range o.Runtime().Domains {
		if !d.Valid() {
			errs = append(errs, fmt.Errorf("orchestrator.domains: unknown domain %q", d))
		}
	}
	if _, err := o.WeightTable(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator weights: %w", err))
	}

	d := c.Detection
	if d.Enabled && d.DetectorsPath == "" {
		errs = append(errs, errors.New("detection.detectorsPath is required when detection is enabled"))
	}
	if d.SourceRateLimit < 0 || d.SourceBurst < 0 {
		errs = append(errs, errors.New("detection source rate limit must not be negative"))
	}
	if d.Trigger.Enabled {
		switch models.Severity(d.Trigger.MinSeverity) {
		case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
		default:
			errs = append(errs, fmt.Errorf("detection.trigger.minSeverity %q is not info, warning or critical", d.Trigger.MinSeverity))
		}
		if len(d.Trigger.EntityDimensions) == 0 {
			errs = append(errs, errors.New("detection.trigger.entityDimensions is required when the trigger is enabled"))
		}
	}

	for name, ep := range c.Agents.Endpoints {
		if !models.Domain(strings.ToLower(name)).Valid() {
			errs = append(errs, fmt.Errorf("agents.endpoints: unknown domain %q", name))
		}
		if ep.BaseURL == "" {
			errs = append(errs, fmt.Errorf("agents.endpoints.%s.baseURL is required", name))
		}
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, errors.New("audit.path is required when auditing is enabled"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_RISK_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_RISK_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_RISK_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_RISK_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("MIRADOR_RISK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_RISK_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_RISK_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("MIRADOR_RISK_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("MIRADOR_RISK_RULES_PATH"); v != "" {
		cfg.Orchestrator.RulesPath = v
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = truthy(v)
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_TLS"); truthy(v) {
		cfg.Cache.TLS = true
	}
	durationEnv("MIRADOR_RISK_CACHE_STATE_TTL", &cfg.Cache.StateTTL)
	if v := os.Getenv("MIRADOR_RISK_MAX_INVESTIGATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxInvestigations = n
		}
	}
	if v := os.Getenv("MIRADOR_RISK_MAX_DOMAINS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxDomainsPerInvestigation = n
		}
	}
	durationEnv("MIRADOR_RISK_CALL_TIMEOUT", &cfg.Orchestrator.CallTimeout)
	if v := os.Getenv("MIRADOR_RISK_DETECTION_ENABLED"); v != "" {
		cfg.Detection.Enabled = truthy(v)
	}
	if v := os.Getenv("MIRADOR_RISK_DETECTORS_PATH"); v != "" {
		cfg.Detection.DetectorsPath = v
	}
	if v := os.Getenv("MIRADOR_RISK_SERIES_URL"); v != "" {
		cfg.Detection.SourceURL = v
	}
	if v := os.Getenv("MIRADOR_RISK_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = truthy(v)
	}
	if v := os.Getenv("MIRADOR_RISK_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
}

func durationEnv(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func truthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
