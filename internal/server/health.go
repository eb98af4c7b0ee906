package server

import (
	"context"
	"fmt"

	"github.com/recordguard/recordguard/internal/httpx"
	"github.com/recordguard/recordguard/internal/tokenstore"
	"github.com/recordguard/recordguard/internal/validator"
	"github.com/recordguard/recordguard/internal/vectorstore"
)

// tokenStoreHealthChecker confirms the pseudonym mapping store's
// connection is still reachable.
type tokenStoreHealthChecker struct {
	store *tokenstore.Store
}

func (t tokenStoreHealthChecker) Health(_ context.Context) error {
	return t.store.Ping()
}

// breakerHealthChecker reports unhealthy when the named backend's circuit
// breaker is open, i.e. the backend has been failing enough calls that
// httpx stopped sending it traffic.
type breakerHealthChecker struct {
	registry *httpx.Registry
	backend  string
}

func (b breakerHealthChecker) Health(_ context.Context) error {
	state, ok := b.registry.Snapshot()[b.backend]
	if !ok {
		return nil
	}
	if state == httpx.Open {
		return fmt.Errorf("%s circuit breaker is open", b.backend)
	}
	return nil
}

// backendHealthChecker reports the generation backend's circuit breaker
// state under the "model_backend" health key.
func backendHealthChecker(reg *httpx.Registry) breakerHealthChecker {
	return breakerHealthChecker{registry: reg, backend: "generation"}
}

// validatorHealthChecker reports the validator gate backend's circuit
// breaker state under the "validator_backend" health key. gate is unused
// beyond confirming the caller has one configured; the breaker state
// itself lives in the shared registry.
func validatorHealthChecker(gate *validator.Gate, reg *httpx.Registry) breakerHealthChecker {
	_ = gate
	return breakerHealthChecker{registry: reg, backend: "validator"}
}

// sqliteVectorHealthChecker confirms the SQLite vector store's reader
// connection can still execute a query.
type sqliteVectorHealthChecker struct {
	store *vectorstore.SQLiteStore
}

func (s sqliteVectorHealthChecker) Health(ctx context.Context) error {
	_, err := s.store.All(ctx, "__health__")
	return err
}

// noopHealthChecker reports healthy unconditionally, used for the
// in-memory vector store backend which has no external failure mode.
type noopHealthChecker struct{}

func (noopHealthChecker) Health(context.Context) error { return nil }
