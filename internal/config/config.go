package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for recordguard. It is the one
// intentional process-wide singleton: every other component reaches
// it through Get() rather than threading a struct through every call.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"       toml:"server"`
	Auth         AuthConfig         `mapstructure:"auth"         toml:"auth"`
	Pseudonymize PseudonymizeConfig `mapstructure:"pseudonymize" toml:"pseudonymize"`
	TokenStore   TokenStoreConfig   `mapstructure:"token_store"  toml:"token_store"`
	VectorStore  VectorStoreConfig  `mapstructure:"vector_store" toml:"vector_store"`
	Learning     LearningConfig     `mapstructure:"learning"     toml:"learning"`
	Quality      QualityConfig      `mapstructure:"quality"      toml:"quality"`
	Enrichment   EnrichmentConfig   `mapstructure:"enrichment"   toml:"enrichment"`
	Validator    ValidatorConfig    `mapstructure:"validator"    toml:"validator"`
	PromptGen    PromptGenConfig    `mapstructure:"prompt_gen"   toml:"prompt_gen"`
	Generation   GenerationConfig   `mapstructure:"generation"   toml:"generation"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" toml:"orchestrator"`
	Resilience   ResilienceConfig   `mapstructure:"resilience"   toml:"resilience"`
	Tracing      TracingConfig      `mapstructure:"tracing"      toml:"tracing"`
	Metrics      MetricsConfig      `mapstructure:"metrics"      toml:"metrics"`
}

// ServerConfig holds the core HTTP server settings for the transport surface.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	Port         int    `mapstructure:"port"          toml:"port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"   toml:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"     toml:"cert_file"`
	KeyFile      string `mapstructure:"key_file"      toml:"key_file"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size"`
}

// AuthConfig holds the transport's bearer-token authentication settings.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Token   string `mapstructure:"token"   toml:"token"`
}

// PseudonymizeConfig controls PII detection and HMAC tokenization.
type PseudonymizeConfig struct {
	HMACKeyRef          string  `mapstructure:"hmac_key_ref"          toml:"hmac_key_ref"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"  toml:"confidence_threshold"`
	MappingTTLSeconds   int     `mapstructure:"mapping_ttl_seconds"   toml:"mapping_ttl_seconds"`
	Durable             bool    `mapstructure:"durable"               toml:"durable"`
}

// TTL returns the mapping lifetime as a time.Duration.
func (p PseudonymizeConfig) TTL() time.Duration {
	if p.MappingTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(p.MappingTTLSeconds) * time.Second
}

// TokenStoreConfig controls the SQLite-backed pseudonym mapping store.
type TokenStoreConfig struct {
	Path            string `mapstructure:"path"               toml:"path"`
	SweepIntervalS  int    `mapstructure:"sweep_interval_sec" toml:"sweep_interval_sec"`
}

// SweepInterval returns the background expiry sweep interval.
func (t TokenStoreConfig) SweepInterval() time.Duration {
	if t.SweepIntervalS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.SweepIntervalS) * time.Second
}

// VectorStoreConfig controls the pattern-similarity vector store.
type VectorStoreConfig struct {
	Backend string `mapstructure:"backend" toml:"backend"` // "memory" or "sqlite"
	Path    string `mapstructure:"path"    toml:"path"`
}

// LearningConfig controls the learning substrate's adaptive thresholds and
// reinforcement bookkeeping.
type LearningConfig struct {
	SimilarityThreshold  float64 `mapstructure:"similarity_threshold"   toml:"similarity_threshold"`
	ConfidenceThreshold  float64 `mapstructure:"confidence_threshold"   toml:"confidence_threshold"`
	QualityThreshold     float64 `mapstructure:"quality_threshold"      toml:"quality_threshold"`
	DecayIntervalSeconds int     `mapstructure:"decay_interval_seconds" toml:"decay_interval_seconds"`
	DecayRate            float64 `mapstructure:"decay_rate"             toml:"decay_rate"`
	CleanupMaxAgeDays    int     `mapstructure:"cleanup_max_age_days"   toml:"cleanup_max_age_days"`
	CleanupMinUses       int     `mapstructure:"cleanup_min_uses"       toml:"cleanup_min_uses"`
}

// DecayInterval returns the reinforcement decay tick period.
func (l LearningConfig) DecayInterval() time.Duration {
	if l.DecayIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(l.DecayIntervalSeconds) * time.Second
}

// QualityConfig holds the overall_score floor the Validator Gate requires
// for approval.
type QualityConfig struct {
	DefaultThreshold float64 `mapstructure:"default_threshold" toml:"default_threshold"`
}

// EnrichmentConfig controls the optional Enrichment Client backend.
type EnrichmentConfig struct {
	Enabled             bool   `mapstructure:"enabled"                toml:"enabled"`
	BaseURL             string `mapstructure:"base_url"               toml:"base_url"`
	KeyRef              string `mapstructure:"key_ref"                toml:"key_ref"`
	CallTimeoutSeconds  int    `mapstructure:"call_timeout_seconds"   toml:"call_timeout_seconds"`
	OuterTimeoutSeconds int    `mapstructure:"outer_timeout_seconds"  toml:"outer_timeout_seconds"`
}

// CallTimeout returns the per-call enrichment deadline.
func (e EnrichmentConfig) CallTimeout() time.Duration {
	if e.CallTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.CallTimeoutSeconds) * time.Second
}

// OuterTimeout returns the overall enrichment stage deadline.
func (e EnrichmentConfig) OuterTimeout() time.Duration {
	if e.OuterTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.OuterTimeoutSeconds) * time.Second
}

// CriterionConfig describes one validation criterion's weight and acceptance
// threshold.
type CriterionConfig struct {
	Weight    float64 `mapstructure:"weight"    toml:"weight"`
	Threshold float64 `mapstructure:"threshold" toml:"threshold"`
}

// ValidatorConfig controls the Validator Gate backend and its criteria table.
type ValidatorConfig struct {
	BaseURL              string                     `mapstructure:"base_url"                toml:"base_url"`
	KeyRef               string                     `mapstructure:"key_ref"                 toml:"key_ref"`
	Mode                 string                     `mapstructure:"mode"                    toml:"mode"` // "strict" or "permissive"
	PerCriterionTimeoutS int                        `mapstructure:"per_criterion_timeout_s"  toml:"per_criterion_timeout_s"`
	OuterTimeoutSeconds  int                        `mapstructure:"outer_timeout_seconds"    toml:"outer_timeout_seconds"`
	Criteria             map[string]CriterionConfig `mapstructure:"criteria"                 toml:"criteria"`
}

// PerCriterionTimeout returns the deadline for a single criterion call.
func (v ValidatorConfig) PerCriterionTimeout() time.Duration {
	if v.PerCriterionTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(v.PerCriterionTimeoutS) * time.Second
}

// OuterTimeout returns the overall validation-stage deadline.
func (v ValidatorConfig) OuterTimeout() time.Duration {
	if v.OuterTimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(v.OuterTimeoutSeconds) * time.Second
}

// PromptGenConfig controls the context-template table used by prompt
// generation when no pattern can be reused or improved.
type PromptGenConfig struct {
	DefaultTemplate string            `mapstructure:"default_template" toml:"default_template"`
	Templates       map[string]string `mapstructure:"templates"        toml:"templates"`
}

// OrchestratorConfig controls pipeline concurrency and retry bounds.
type OrchestratorConfig struct {
	MaxConcurrent     int `mapstructure:"max_concurrent"      toml:"max_concurrent"`
	QueueSize         int `mapstructure:"queue_size"          toml:"queue_size"`
	RetryMaxAttempts  int `mapstructure:"retry_max_attempts"  toml:"retry_max_attempts"`
}

// GenerationConfig controls the external LLM backend the orchestrator
// invokes with a generated prompt. The backend itself is out of scope
// (spec.md's Non-goals) — this is only the HTTP client pointed at it.
type GenerationConfig struct {
	BaseURL        string `mapstructure:"base_url"        toml:"base_url"`
	KeyRef         string `mapstructure:"key_ref"         toml:"key_ref"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// Timeout returns the fallback call deadline used outside the per-request
// remaining-deadline calculation (e.g. health checks).
func (g GenerationConfig) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// ResilienceConfig holds the circuit breaker defaults shared by the
// enrichment, validator and generation backends. The retry fields are
// loaded but no backend call reads them.
type ResilienceConfig struct {
	RetryMaxAttempts   int  `mapstructure:"retry_max_attempts"       toml:"retry_max_attempts"`
	RetryBaseDelayMs   int  `mapstructure:"retry_base_delay_ms"      toml:"retry_base_delay_ms"`
	RetryMaxDelayMs    int  `mapstructure:"retry_max_delay_ms"       toml:"retry_max_delay_ms"`
	CBEnabled          bool `mapstructure:"circuit_breaker_enabled"  toml:"circuit_breaker_enabled"`
	CBFailureThreshold int  `mapstructure:"cb_failure_threshold"     toml:"cb_failure_threshold"`
	CBResetTimeoutSec  int  `mapstructure:"cb_reset_timeout_seconds" toml:"cb_reset_timeout_seconds"`
	CBHalfOpenMax      int  `mapstructure:"cb_half_open_max_calls"   toml:"cb_half_open_max_calls"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "recordguard"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// MetricsConfig controls metrics retention and the /metrics endpoint cache.
type MetricsConfig struct {
	RetentionDays   int `mapstructure:"retention_days"    toml:"retention_days"`
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds" toml:"cache_ttl_seconds"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (RECORDGUARD_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.recordguard/recordguard.toml
//  4. ./recordguard.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: RECORDGUARD_SERVER_PORT etc.
	v.SetEnvPrefix("RECORDGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".recordguard"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("recordguard")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in data_dir.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.TokenStore.Path = expandHome(cfg.TokenStore.Path)
	cfg.VectorStore.Path = expandHome(cfg.VectorStore.Path)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.recordguard/recordguard.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".recordguard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and replaces the current config with
// it; keys the file does not set take their default values. The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	// Auth
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.token", d.Auth.Token)

	// Pseudonymize
	v.SetDefault("pseudonymize.hmac_key_ref", d.Pseudonymize.HMACKeyRef)
	v.SetDefault("pseudonymize.confidence_threshold", d.Pseudonymize.ConfidenceThreshold)
	v.SetDefault("pseudonymize.mapping_ttl_seconds", d.Pseudonymize.MappingTTLSeconds)
	v.SetDefault("pseudonymize.durable", d.Pseudonymize.Durable)

	// TokenStore
	v.SetDefault("token_store.path", d.TokenStore.Path)
	v.SetDefault("token_store.sweep_interval_sec", d.TokenStore.SweepIntervalS)

	// VectorStore
	v.SetDefault("vector_store.backend", d.VectorStore.Backend)
	v.SetDefault("vector_store.path", d.VectorStore.Path)

	// Learning
	v.SetDefault("learning.similarity_threshold", d.Learning.SimilarityThreshold)
	v.SetDefault("learning.confidence_threshold", d.Learning.ConfidenceThreshold)
	v.SetDefault("learning.quality_threshold", d.Learning.QualityThreshold)
	v.SetDefault("learning.decay_interval_seconds", d.Learning.DecayIntervalSeconds)
	v.SetDefault("learning.decay_rate", d.Learning.DecayRate)
	v.SetDefault("learning.cleanup_max_age_days", d.Learning.CleanupMaxAgeDays)
	v.SetDefault("learning.cleanup_min_uses", d.Learning.CleanupMinUses)

	// Quality
	v.SetDefault("quality.default_threshold", d.Quality.DefaultThreshold)

	// Enrichment
	v.SetDefault("enrichment.enabled", d.Enrichment.Enabled)
	v.SetDefault("enrichment.base_url", d.Enrichment.BaseURL)
	v.SetDefault("enrichment.key_ref", d.Enrichment.KeyRef)
	v.SetDefault("enrichment.call_timeout_seconds", d.Enrichment.CallTimeoutSeconds)
	v.SetDefault("enrichment.outer_timeout_seconds", d.Enrichment.OuterTimeoutSeconds)

	// Validator
	v.SetDefault("validator.base_url", d.Validator.BaseURL)
	v.SetDefault("validator.key_ref", d.Validator.KeyRef)
	v.SetDefault("validator.mode", d.Validator.Mode)
	v.SetDefault("validator.per_criterion_timeout_s", d.Validator.PerCriterionTimeoutS)
	v.SetDefault("validator.outer_timeout_seconds", d.Validator.OuterTimeoutSeconds)

	// PromptGen
	v.SetDefault("prompt_gen.default_template", d.PromptGen.DefaultTemplate)

	// Orchestrator
	v.SetDefault("orchestrator.max_concurrent", d.Orchestrator.MaxConcurrent)
	v.SetDefault("orchestrator.queue_size", d.Orchestrator.QueueSize)
	v.SetDefault("orchestrator.retry_max_attempts", d.Orchestrator.RetryMaxAttempts)

	// Resilience
	v.SetDefault("resilience.retry_max_attempts", d.Resilience.RetryMaxAttempts)
	v.SetDefault("resilience.retry_base_delay_ms", d.Resilience.RetryBaseDelayMs)
	v.SetDefault("resilience.retry_max_delay_ms", d.Resilience.RetryMaxDelayMs)
	v.SetDefault("resilience.circuit_breaker_enabled", d.Resilience.CBEnabled)
	v.SetDefault("resilience.cb_failure_threshold", d.Resilience.CBFailureThreshold)
	v.SetDefault("resilience.cb_reset_timeout_seconds", d.Resilience.CBResetTimeoutSec)
	v.SetDefault("resilience.cb_half_open_max_calls", d.Resilience.CBHalfOpenMax)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Metrics
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)
	v.SetDefault("metrics.cache_ttl_seconds", d.Metrics.CacheTTLSeconds)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
