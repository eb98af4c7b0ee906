// Package server wires every component package into a single running
// process: config, vault-resolved secrets, the token/vector stores, the
// pseudonymizer, the learning substrate, the quality engine, the prompt
// generator, the validator gate, the orchestrator, and the transport
// layer's HTTP surface — then blocks until a shutdown signal arrives.
// Grounded on internal/daemon/daemon.go's subsystem init/shutdown
// sequencing, logging setup, and PID file handling.
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/recordguard/recordguard/internal/config"
	"github.com/recordguard/recordguard/internal/embedding"
	"github.com/recordguard/recordguard/internal/enrichment"
	"github.com/recordguard/recordguard/internal/httpx"
	"github.com/recordguard/recordguard/internal/learning"
	"github.com/recordguard/recordguard/internal/metrics"
	"github.com/recordguard/recordguard/internal/orchestrator"
	"github.com/recordguard/recordguard/internal/promptgen"
	"github.com/recordguard/recordguard/internal/pseudonymize"
	"github.com/recordguard/recordguard/internal/quality"
	"github.com/recordguard/recordguard/internal/tokenstore"
	"github.com/recordguard/recordguard/internal/tracing"
	"github.com/recordguard/recordguard/internal/transport"
	"github.com/recordguard/recordguard/internal/validator"
	"github.com/recordguard/recordguard/internal/vault"
	"github.com/recordguard/recordguard/internal/vectorstore"
	"github.com/recordguard/recordguard/internal/version"
)

// shutdownGrace bounds how long Run waits for in-flight requests to
// complete after a shutdown signal arrives.
const shutdownGrace = 30 * time.Second

// breakerFailureThreshold/breakerResetTimeout/breakerHalfOpenMax are the
// shared circuit breaker defaults for every out-of-scope HTTP backend
// (enrichment, validator, generation), sourced from resilience config.
func breakerDefaults(cfg config.ResilienceConfig) (int, time.Duration, int) {
	threshold := cfg.CBFailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	reset := time.Duration(cfg.CBResetTimeoutSec) * time.Second
	if reset <= 0 {
		reset = 30 * time.Second
	}
	halfOpen := cfg.CBHalfOpenMax
	if halfOpen <= 0 {
		halfOpen = 2
	}
	return threshold, reset, halfOpen
}

// Run initialises every subsystem, starts the transport server, and
// blocks until a shutdown signal is received or a fatal startup error
// occurs.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logger := setupLogger(cfg, dataDir, foreground)
	logger.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("recordguard starting")

	if IsRunning(dataDir) {
		return fmt.Errorf("recordguard is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	if cfg.Tracing.Enabled {
		shutdownTracer, err := tracing.Init(context.Background(), cfg.Tracing.ServiceName, version.Version, cfg.Tracing.Exporter, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing; continuing without it")
		} else {
			defer func() { _ = shutdownTracer(context.Background()) }()
		}
	}

	tokenStore, err := tokenstore.Open(cfg.TokenStore.Path)
	if err != nil {
		return fmt.Errorf("opening token store: %w", err)
	}
	defer tokenStore.Close()
	logger.Info().Str("path", tokenStore.Path()).Msg("token store opened")

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sweepDone := tokenStore.StartSweeper(sweepCtx, cfg.TokenStore.SweepInterval())

	vaultClient := vault.New()
	resolveSecret := func(ref string) string {
		if ref == "" {
			return ""
		}
		secret, resolveErr := vaultClient.ResolveKeyRef(ref)
		if resolveErr != nil {
			logger.Warn().Err(resolveErr).Str("key_ref", ref).Msg("failed to resolve secret; dependent backend will be unavailable")
			return ""
		}
		return secret
	}

	hmacKey := []byte(resolveSecret(cfg.Pseudonymize.HMACKeyRef))
	if len(hmacKey) == 0 {
		logger.Warn().Msg("no pseudonymization HMAC key resolved; using an ephemeral process-local key")
		hmacKey = ephemeralKey()
	}

	pseudonymizer := pseudonymize.New(hmacKey, tokenStore,
		pseudonymize.WithConfidenceThreshold(cfg.Pseudonymize.ConfidenceThreshold),
		pseudonymize.WithTTL(cfg.Pseudonymize.TTL()),
		pseudonymize.WithDurable(cfg.Pseudonymize.Durable),
	)

	vecStore, healthCheckers, err := openVectorStore(cfg.VectorStore)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	healthCheckers["token_store"] = tokenStoreHealthChecker{store: tokenStore}
	if closer, ok := vecStore.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// HashEmbedder is pure computation with no I/O, so it runs unpooled;
	// NewPooledEmbedder exists for a future Embedder backed by a model
	// runtime, not this one.
	embedder := embedding.NewHashEmbedder()

	failThreshold, resetTimeout, halfOpenMax := breakerDefaults(cfg.Resilience)
	breakers := httpx.NewRegistry(failThreshold, resetTimeout, halfOpenMax)

	thresholds := learning.NewThresholdManager(learning.Thresholds{
		QualityGate:         cfg.Learning.QualityThreshold,
		SimilarityMatch:     cfg.Learning.SimilarityThreshold,
		ReinforcementCutoff: cfg.Learning.ConfidenceThreshold,
	})

	substrate := learning.New(vecStore, embedder, thresholds.Current(),
		learning.WithCleanupPolicy(time.Duration(cfg.Learning.CleanupMaxAgeDays)*24*time.Hour, cfg.Learning.CleanupMinUses),
	)
	decayDone := substrate.StartDecay(sweepCtx, cfg.Learning.DecayInterval())

	qualityEngine := quality.New(substrate)

	enrichClient := enrichment.New(
		cfg.Enrichment.BaseURL,
		resolveSecret(cfg.Enrichment.KeyRef),
		cfg.Enrichment.OuterTimeout(),
		breakers,
		cfg.Enrichment.Enabled,
	)

	promptGen := promptgen.New(cfg.PromptGen.Templates, cfg.PromptGen.DefaultTemplate, substrate, qualityEngine, enrichClient, cfg.Enrichment.Enabled)

	validatorGate := validator.New(
		cfg.Validator.BaseURL,
		resolveSecret(cfg.Validator.KeyRef),
		cfg.Validator.PerCriterionTimeout(),
		cfg.Validator.OuterTimeout(),
		cfg.Validator.Criteria,
		cfg.Validator.Mode != "permissive",
		cfg.Quality.DefaultThreshold,
		breakers,
	)
	healthCheckers["validator_backend"] = validatorHealthChecker(validatorGate, breakers)

	genBackend := orchestrator.NewHTTPBackend(cfg.Generation.BaseURL, resolveSecret(cfg.Generation.KeyRef), cfg.Generation.Timeout(), breakers)
	healthCheckers["model_backend"] = backendHealthChecker(breakers)

	orch := orchestrator.New(pseudonymizer, promptGen, genBackend, validatorGate, substrate, thresholds, qualityEngine, cfg.Orchestrator.MaxConcurrent, cfg.Orchestrator.QueueSize)

	collector := metrics.NewCollector()

	handler := transport.New(
		orch,
		pseudonymizer,
		tokenStore,
		promptGen,
		validatorGate,
		substrate,
		qualityEngine,
		healthCheckers,
		cfg.Server.MaxBodySize,
		cfg.Orchestrator.MaxConcurrent,
		cfg.Orchestrator.QueueSize,
		logger,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeout) * time.Second

	authToken := ""
	if cfg.Auth.Enabled {
		authToken = cfg.Auth.Token
	}

	httpServer := transport.NewServer(handler, addr, readTimeout, writeTimeout, idleTimeout, cfg.Tracing.Enabled, authToken)
	httpServer.Router().Get("/metrics", metrics.PrometheusHandler(collector))

	breakerSyncDone := startBreakerSync(sweepCtx, collector, breakers)

	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			logger.Info().Str("addr", addr).Msg("transport server starting (TLS)")
			if err := httpServer.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
				errCh <- fmt.Errorf("transport server: %w", err)
			}
			return
		}
		logger.Info().Str("addr", addr).Msg("transport server starting")
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("transport server: %w", err)
		}
	}()

	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}
	logger.Info().Int("port", cfg.Server.Port).Bool("tls", cfg.Server.TLSEnabled).Msg("recordguard is ready")
	if foreground {
		fmt.Printf("\n  recordguard is running!\n  Listening: %s://localhost:%d\n\n", scheme, cfg.Server.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal server error")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("transport server shutdown error")
	}

	sweepCancel()
	<-sweepDone
	<-decayDone
	<-breakerSyncDone

	logger.Info().Msg("recordguard stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("recordguard does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("recordguard is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to recordguard (PID %d)\n", pid)

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return nil
}

// Status checks whether the daemon is running and, if it is, prints its PID.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("recordguard is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("recordguard is running (PID %d)\n", pid)
	return nil
}

func setupLogger(cfg *config.Config, dataDir string, foreground bool) zerolog.Logger {
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	zerolog.SetGlobalLevel(logLevel)

	writers := []io.Writer{}

	logPath := filepath.Join(dataDir, "recordguard.log")
	if logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		writers = append(writers, logFile)
	}

	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).With().Timestamp().Str("service", "recordguard").Logger()
	log.Logger = logger
	return logger
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

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

func ephemeralKey() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = byte(i + 1)
		}
	}
	return buf
}

// startBreakerSync periodically copies circuit breaker states into the
// metrics collector's exported gauge.
func startBreakerSync(ctx context.Context, collector *metrics.Collector, reg *httpx.Registry) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collector.SyncBreakers(reg)
			}
		}
	}()
	return done
}

// openVectorStore selects the memory or sqlite vectorstore.Store backend
// per cfg.Backend, and returns an initial health-checker map seeded with
// the vector index entry.
func openVectorStore(cfg config.VectorStoreConfig) (vectorstore.Store, map[string]transport.HealthChecker, error) {
	checkers := map[string]transport.HealthChecker{}
	if strings.EqualFold(cfg.Backend, "sqlite") {
		store, err := vectorstore.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		checkers["vector_index"] = sqliteVectorHealthChecker{store: store}
		return store, checkers, nil
	}
	store := vectorstore.NewMemoryStore()
	checkers["vector_index"] = noopHealthChecker{}
	return store, checkers, nil
}
