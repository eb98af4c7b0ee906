package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultPort is the default port for the transport server.
const DefaultPort = 7890

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.recordguard"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "recordguard.toml"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
const DefaultWriteTimeout = 30

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// DefaultMappingTTLSeconds is the default pseudonym mapping TTL (24h).
const DefaultMappingTTLSeconds = 86400

// DefaultConfidenceThreshold is the default PII detection confidence floor.
const DefaultConfidenceThreshold = 0.75

// DefaultTokenStoreSweepIntervalSec is the default expiry sweep period.
const DefaultTokenStoreSweepIntervalSec = 300

// DefaultSimilarityThreshold is the initial pattern-reuse similarity floor.
const DefaultSimilarityThreshold = 0.80

// DefaultLearningConfidenceThreshold is the initial confidence floor for
// treating a pattern as reliable enough to reuse without regeneration.
const DefaultLearningConfidenceThreshold = 0.60

// DefaultLearningQualityThreshold is the initial quality floor a pattern
// must clear before it is eligible as an "improved" candidate.
const DefaultLearningQualityThreshold = 0.70

// DefaultDecayIntervalSeconds is the default reinforcement decay tick period (1m).
const DefaultDecayIntervalSeconds = 60

// DefaultDecayRate is the default for learning.decay_rate. The learning
// substrate's decay tick does not read this setting.
const DefaultDecayRate = 0.98

// DefaultCleanupMaxAgeDays is the default age past which an unused pattern is swept.
const DefaultCleanupMaxAgeDays = 90

// DefaultCleanupMinUses is the default use-count floor below which a stale
// pattern is eligible for cleanup.
const DefaultCleanupMinUses = 2

// DefaultQualityThreshold is the default overall_score floor the Validator
// Gate requires for approval.
const DefaultQualityThreshold = 0.65

// DefaultEnrichmentCallTimeoutSeconds is the default per-call enrichment deadline.
const DefaultEnrichmentCallTimeoutSeconds = 10

// DefaultEnrichmentOuterTimeoutSeconds is the default overall enrichment stage deadline.
const DefaultEnrichmentOuterTimeoutSeconds = 30

// DefaultValidatorPerCriterionTimeoutSeconds is the default per-criterion validator call deadline.
const DefaultValidatorPerCriterionTimeoutSeconds = 10

// DefaultValidatorOuterTimeoutSeconds is the default overall validation stage deadline.
const DefaultValidatorOuterTimeoutSeconds = 20

// DefaultGenerationTimeoutSeconds is the default fallback LLM backend call
// deadline used outside the per-request remaining-deadline calculation.
const DefaultGenerationTimeoutSeconds = 30

// DefaultOrchestratorMaxConcurrent is the default number of pipelines allowed
// to run concurrently before new requests queue.
const DefaultOrchestratorMaxConcurrent = 16

// DefaultOrchestratorQueueSize is the default bound on queued-but-not-yet-running pipelines.
const DefaultOrchestratorQueueSize = 128

// DefaultOrchestratorRetryMaxAttempts is the default for
// orchestrator.retry_max_attempts. The pipeline does not read this setting;
// regeneration retries are bounded by each request's retry policy.
const DefaultOrchestratorRetryMaxAttempts = 2

// DefaultRetryMaxAttempts is the default maximum number of retry attempts per backend call.
const DefaultRetryMaxAttempts = 3

// DefaultRetryBaseDelayMs is the default base delay for exponential backoff in milliseconds.
const DefaultRetryBaseDelayMs = 200

// DefaultRetryMaxDelayMs is the default maximum delay for exponential backoff in milliseconds.
const DefaultRetryMaxDelayMs = 5000

// DefaultCBFailureThreshold is the default number of consecutive failures before opening the circuit.
const DefaultCBFailureThreshold = 5

// DefaultCBResetTimeout is the default circuit breaker reset timeout in seconds.
const DefaultCBResetTimeout = 60

// DefaultCBHalfOpenMax is the default number of successful calls in half-open state to close the circuit.
const DefaultCBHalfOpenMax = 1

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "recordguard"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// DefaultRetentionDays is the default metrics retention in days.
const DefaultRetentionDays = 30

// DefaultCacheTTL is the default metrics cache TTL in seconds.
const DefaultCacheTTL = 15

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidValidatorModes lists the allowed validator mode values.
var ValidValidatorModes = []string{"strict", "permissive"}

// DefaultValidatorCriteria is the default criteria table: one entry per
// named criterion, weighted per spec so the weights sum to 1 and
// overall_score lands in [0,1] without the gate needing to normalize.
func DefaultValidatorCriteria() map[string]CriterionConfig {
	return map[string]CriterionConfig{
		"accuracy":     {Weight: 0.30, Threshold: DefaultQualityThreshold},
		"completeness": {Weight: 0.25, Threshold: DefaultQualityThreshold},
		"clarity":      {Weight: 0.20, Threshold: DefaultQualityThreshold},
		"relevance":    {Weight: 0.15, Threshold: DefaultQualityThreshold},
		"structural":   {Weight: 0.10, Threshold: DefaultQualityThreshold},
	}
}

// DefaultPromptTemplates is the fixed context-tag-keyed template table, with
// "generic" as the fallback used for any unrecognized context tag. Every
// template must require a response formatted as two explicit labeled
// sections (insights, then recommendations).
func DefaultPromptTemplates() map[string]string {
	const sections = "\n\nRespond in exactly two labeled sections, in this order:\nInsights: <your analysis>\nRecommendations: <your recommendations>"
	return map[string]string{
		"generic": "Using the redacted record below, produce an analysis appropriate to the requested generation type.\n\nRecord:\n{{.Record}}\n\nGeneration type: {{.GenerationType}}" + sections,

		"banking": "You are analyzing a redacted banking record. Focus on transaction patterns and risk signals without referencing any tokenized identifiers directly.\n\nRecord:\n{{.Record}}\n\nGeneration type: {{.GenerationType}}" + sections,

		"lending": "You are analyzing a redacted lending record. Focus on creditworthiness signals, repayment history, and exposure without referencing any tokenized identifiers directly.\n\nRecord:\n{{.Record}}\n\nGeneration type: {{.GenerationType}}" + sections,

		"risk": "You are analyzing a redacted record for risk assessment. Focus on anomalies, red flags, and control gaps.\n\nRecord:\n{{.Record}}\n\nGeneration type: {{.GenerationType}}" + sections,

		"customer-service": "You are analyzing a redacted customer support record. Summarize the interaction and its outcome.\n\nRecord:\n{{.Record}}\n\nGeneration type: {{.GenerationType}}" + sections,

		"data-analysis": "You are analyzing a redacted record for general data analysis. Identify trends and notable patterns across its fields.\n\nRecord:\n{{.Record}}\n\nGeneration type: {{.GenerationType}}" + sections,
	}
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			Port:         DefaultPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			TLSEnabled:   false,
			CertFile:     "",
			KeyFile:      "",
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
		},
		Auth: AuthConfig{
			Enabled: false,
			Token:   "",
		},
		Pseudonymize: PseudonymizeConfig{
			HMACKeyRef:          "keyring://recordguard/pseudonymize-hmac",
			ConfidenceThreshold: DefaultConfidenceThreshold,
			MappingTTLSeconds:   DefaultMappingTTLSeconds,
			Durable:             true,
		},
		TokenStore: TokenStoreConfig{
			Path:           "~/.recordguard/tokenstore.db",
			SweepIntervalS: DefaultTokenStoreSweepIntervalSec,
		},
		VectorStore: VectorStoreConfig{
			Backend: "sqlite",
			Path:    "~/.recordguard/vectorstore.db",
		},
		Learning: LearningConfig{
			SimilarityThreshold:  DefaultSimilarityThreshold,
			ConfidenceThreshold:  DefaultLearningConfidenceThreshold,
			QualityThreshold:     DefaultLearningQualityThreshold,
			DecayIntervalSeconds: DefaultDecayIntervalSeconds,
			DecayRate:            DefaultDecayRate,
			CleanupMaxAgeDays:    DefaultCleanupMaxAgeDays,
			CleanupMinUses:       DefaultCleanupMinUses,
		},
		Quality: QualityConfig{
			DefaultThreshold: DefaultQualityThreshold,
		},
		Enrichment: EnrichmentConfig{
			Enabled:             true,
			BaseURL:             "http://localhost:8081",
			KeyRef:              "keyring://recordguard/enrichment",
			CallTimeoutSeconds:  DefaultEnrichmentCallTimeoutSeconds,
			OuterTimeoutSeconds: DefaultEnrichmentOuterTimeoutSeconds,
		},
		Validator: ValidatorConfig{
			BaseURL:              "http://localhost:8082",
			KeyRef:               "keyring://recordguard/validator",
			Mode:                 "strict",
			PerCriterionTimeoutS: DefaultValidatorPerCriterionTimeoutSeconds,
			OuterTimeoutSeconds:  DefaultValidatorOuterTimeoutSeconds,
			Criteria:             DefaultValidatorCriteria(),
		},
		PromptGen: PromptGenConfig{
			DefaultTemplate: "generic",
			Templates:       DefaultPromptTemplates(),
		},
		Generation: GenerationConfig{
			BaseURL:        "http://localhost:8083",
			KeyRef:         "keyring://recordguard/generation",
			TimeoutSeconds: DefaultGenerationTimeoutSeconds,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:    DefaultOrchestratorMaxConcurrent,
			QueueSize:        DefaultOrchestratorQueueSize,
			RetryMaxAttempts: DefaultOrchestratorRetryMaxAttempts,
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts:   DefaultRetryMaxAttempts,
			RetryBaseDelayMs:   DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:    DefaultRetryMaxDelayMs,
			CBEnabled:          true,
			CBFailureThreshold: DefaultCBFailureThreshold,
			CBResetTimeoutSec:  DefaultCBResetTimeout,
			CBHalfOpenMax:      DefaultCBHalfOpenMax,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
		Metrics: MetricsConfig{
			RetentionDays:   DefaultRetentionDays,
			CacheTTLSeconds: DefaultCacheTTL,
		},
	}
}
