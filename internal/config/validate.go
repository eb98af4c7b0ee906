package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Auth validation
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token must be set when auth.enabled is true")
	}

	// Pseudonymize validation
	if cfg.Pseudonymize.HMACKeyRef == "" {
		errs = append(errs, "pseudonymize.hmac_key_ref must not be empty")
	}
	if cfg.Pseudonymize.ConfidenceThreshold < 0 || cfg.Pseudonymize.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Sprintf("pseudonymize.confidence_threshold must be between 0 and 1, got %f", cfg.Pseudonymize.ConfidenceThreshold))
	}
	if cfg.Pseudonymize.MappingTTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("pseudonymize.mapping_ttl_seconds must be non-negative, got %d", cfg.Pseudonymize.MappingTTLSeconds))
	}

	// TokenStore validation
	if cfg.TokenStore.Path == "" {
		errs = append(errs, "token_store.path must not be empty")
	}
	if cfg.TokenStore.SweepIntervalS < 0 {
		errs = append(errs, fmt.Sprintf("token_store.sweep_interval_sec must be non-negative, got %d", cfg.TokenStore.SweepIntervalS))
	}

	// VectorStore validation
	validBackends := []string{"memory", "sqlite"}
	if !isValidEnum(cfg.VectorStore.Backend, validBackends) {
		errs = append(errs, fmt.Sprintf("vector_store.backend must be one of %v, got %q", validBackends, cfg.VectorStore.Backend))
	}

	// Learning validation
	if cfg.Learning.SimilarityThreshold < 0 || cfg.Learning.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("learning.similarity_threshold must be between 0 and 1, got %f", cfg.Learning.SimilarityThreshold))
	}
	if cfg.Learning.ConfidenceThreshold < 0 || cfg.Learning.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Sprintf("learning.confidence_threshold must be between 0 and 1, got %f", cfg.Learning.ConfidenceThreshold))
	}
	if cfg.Learning.QualityThreshold < 0 || cfg.Learning.QualityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("learning.quality_threshold must be between 0 and 1, got %f", cfg.Learning.QualityThreshold))
	}
	if cfg.Learning.DecayRate <= 0 || cfg.Learning.DecayRate > 1 {
		errs = append(errs, fmt.Sprintf("learning.decay_rate must be in (0, 1], got %f", cfg.Learning.DecayRate))
	}
	if cfg.Learning.CleanupMinUses < 0 {
		errs = append(errs, fmt.Sprintf("learning.cleanup_min_uses must be non-negative, got %d", cfg.Learning.CleanupMinUses))
	}

	// Quality validation
	if cfg.Quality.DefaultThreshold < 0 || cfg.Quality.DefaultThreshold > 1 {
		errs = append(errs, fmt.Sprintf("quality.default_threshold must be between 0 and 1, got %f", cfg.Quality.DefaultThreshold))
	}

	// Enrichment validation
	if cfg.Enrichment.Enabled && cfg.Enrichment.BaseURL == "" {
		errs = append(errs, "enrichment.base_url must be set when enrichment.enabled is true")
	}
	if cfg.Enrichment.CallTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("enrichment.call_timeout_seconds must be non-negative, got %d", cfg.Enrichment.CallTimeoutSeconds))
	}
	if cfg.Enrichment.OuterTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("enrichment.outer_timeout_seconds must be non-negative, got %d", cfg.Enrichment.OuterTimeoutSeconds))
	}

	// Validator validation
	if cfg.Validator.BaseURL == "" {
		errs = append(errs, "validator.base_url must not be empty")
	}
	if !isValidEnum(cfg.Validator.Mode, ValidValidatorModes) {
		errs = append(errs, fmt.Sprintf("validator.mode must be one of %v, got %q", ValidValidatorModes, cfg.Validator.Mode))
	}
	if len(cfg.Validator.Criteria) == 0 {
		errs = append(errs, "validator.criteria must define at least one criterion")
	}
	var weightSum float64
	for name, c := range cfg.Validator.Criteria {
		if c.Threshold < 0 || c.Threshold > 1 {
			errs = append(errs, fmt.Sprintf("validator.criteria[%q].threshold must be between 0 and 1, got %f", name, c.Threshold))
		}
		if c.Weight < 0 {
			errs = append(errs, fmt.Sprintf("validator.criteria[%q].weight must be non-negative, got %f", name, c.Weight))
		}
		weightSum += c.Weight
	}
	// overall_score is an unnormalized weighted sum (internal/validator.Gate
	// deliberately doesn't renormalize), so weights that don't sum to ~1
	// push overall_score out of the spec's [0,1] range.
	if len(cfg.Validator.Criteria) > 0 && (weightSum < 0.99 || weightSum > 1.01) {
		errs = append(errs, fmt.Sprintf("validator.criteria weights must sum to 1 (±0.01), got %f", weightSum))
	}

	// PromptGen validation
	if cfg.PromptGen.DefaultTemplate == "" {
		errs = append(errs, "prompt_gen.default_template must not be empty")
	} else if _, ok := cfg.PromptGen.Templates[cfg.PromptGen.DefaultTemplate]; !ok {
		errs = append(errs, fmt.Sprintf("prompt_gen.default_template %q has no matching entry in prompt_gen.templates", cfg.PromptGen.DefaultTemplate))
	}

	// Orchestrator validation
	if cfg.Orchestrator.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("orchestrator.max_concurrent must be at least 1, got %d", cfg.Orchestrator.MaxConcurrent))
	}
	if cfg.Orchestrator.QueueSize < 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.queue_size must be non-negative, got %d", cfg.Orchestrator.QueueSize))
	}
	if cfg.Orchestrator.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.retry_max_attempts must be non-negative, got %d", cfg.Orchestrator.RetryMaxAttempts))
	}

	// Resilience validation
	if cfg.Resilience.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_attempts must be non-negative, got %d", cfg.Resilience.RetryMaxAttempts))
	}
	if cfg.Resilience.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_base_delay_ms must be non-negative, got %d", cfg.Resilience.RetryBaseDelayMs))
	}
	if cfg.Resilience.RetryMaxDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("resilience.retry_max_delay_ms must be non-negative, got %d", cfg.Resilience.RetryMaxDelayMs))
	}
	if cfg.Resilience.CBFailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_failure_threshold must be at least 1, got %d", cfg.Resilience.CBFailureThreshold))
	}
	if cfg.Resilience.CBResetTimeoutSec <= 0 {
		errs = append(errs, fmt.Sprintf("resilience.cb_reset_timeout_seconds must be positive, got %d", cfg.Resilience.CBResetTimeoutSec))
	}
	if cfg.Resilience.CBHalfOpenMax < 1 {
		errs = append(errs, fmt.Sprintf("resilience.cb_half_open_max_calls must be at least 1, got %d", cfg.Resilience.CBHalfOpenMax))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	// Metrics validation
	if cfg.Metrics.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("metrics.retention_days must be at least 1, got %d", cfg.Metrics.RetentionDays))
	}
	if cfg.Metrics.CacheTTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("metrics.cache_ttl_seconds must be non-negative, got %d", cfg.Metrics.CacheTTLSeconds))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
