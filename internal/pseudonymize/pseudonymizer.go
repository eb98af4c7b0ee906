package pseudonymize

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
)

const phase = "pseudonymize"

// MappingStore is the narrow persistence contract the pseudonymizer needs.
// internal/tokenstore provides the durable SQLite-backed implementation;
// tests and the in-process fallback use lighter-weight stand-ins.
type MappingStore interface {
	Save(ctx context.Context, m *domain.PseudonymMapping) error
	Load(ctx context.Context, pseudonymID string) (*domain.PseudonymMapping, error)
	Quarantine(ctx context.Context, pseudonymID string) error
}

// Pseudonymizer detects PII in a record, replaces it with deterministic
// tokens, and can later reverse that transform given the pseudonym ID it
// returned. It never holds the plaintext outside of a single call: the
// mapping is handed to the store (or, on store failure, an in-process
// fallback) and dropped from memory immediately after.
type Pseudonymizer struct {
	detector  *detector
	tokenizer *tokenizer
	store     MappingStore

	confidenceThreshold float64
	ttl                 time.Duration
	durable             bool

	fallbackMu sync.Mutex
	fallback   map[string]*domain.PseudonymMapping
}

// Option configures a Pseudonymizer at construction time.
type Option func(*Pseudonymizer)

// WithConfidenceThreshold overrides the default detection confidence floor.
func WithConfidenceThreshold(threshold float64) Option {
	return func(p *Pseudonymizer) { p.confidenceThreshold = threshold }
}

// WithTTL overrides the default mapping lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(p *Pseudonymizer) { p.ttl = ttl }
}

// WithDurable controls whether new mappings are requested as durable
// (survive process restarts) or ephemeral.
func WithDurable(durable bool) Option {
	return func(p *Pseudonymizer) { p.durable = durable }
}

// New builds a Pseudonymizer keyed by hmacKey, persisting mappings to store.
func New(hmacKey []byte, store MappingStore, opts ...Option) *Pseudonymizer {
	p := &Pseudonymizer{
		detector:            newDetector(),
		tokenizer:           newTokenizer(hmacKey),
		store:               store,
		confidenceThreshold: 0.75,
		ttl:                 24 * time.Hour,
		durable:             true,
		fallback:            make(map[string]*domain.PseudonymMapping),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pseudonymize finds PII in record, replaces each detected value with a
// deterministic token, and persists the mapping needed to reverse the
// transform. It returns the redacted record and the pseudonym ID to pass to
// Repersonalize later. The original record is never mutated.
func (p *Pseudonymizer) Pseudonymize(ctx context.Context, record domain.Record) (domain.Record, *domain.PseudonymMapping, error) {
	redacted := record.Clone()
	detections := p.detector.detect(redacted, p.confidenceThreshold)

	mapping := &domain.PseudonymMapping{
		PseudonymID: newPseudonymID(),
		CreatedAt:   time.Now(),
		TTL:         p.ttl,
		Durable:     p.durable,
	}

	for _, det := range detections {
		token := p.tokenizer.token(det.Kind, det.Value)
		if !setPath(redacted, det.Path, token) {
			continue
		}
		mapping.FieldTransforms = append(mapping.FieldTransforms, domain.FieldTransform{
			Path:          det.Path,
			Kind:          det.Kind,
			OriginalValue: det.Value,
			TokenValue:    token,
		})
	}

	if len(mapping.FieldTransforms) == 0 {
		return redacted, mapping, nil
	}

	p.persist(ctx, mapping)

	return redacted, mapping, nil
}

// persist saves the mapping to the configured store, degrading to a
// non-durable in-process map on store failure rather than failing the
// whole pseudonymize call. The mapping's Durable flag reflects where it
// actually landed, not just what was requested.
func (p *Pseudonymizer) persist(ctx context.Context, mapping *domain.PseudonymMapping) {
	if p.store != nil {
		if err := p.store.Save(ctx, mapping); err == nil {
			return
		}
	}
	mapping.Durable = false
	p.fallbackMu.Lock()
	p.fallback[mapping.PseudonymID] = mapping
	p.fallbackMu.Unlock()
}

// Repersonalize reverses a prior Pseudonymize call: it walks the mapping's
// recorded field transforms over redacted (a record carrying the same
// tokens produced for pseudonymID, possibly after round-tripping through
// another system), recomputes each token from the stored original value,
// and verifies it byte-for-byte against what it finds at that path. Any
// mismatch quarantines the mapping and returns an integrity_error; the
// mapping is never deleted so the discrepancy can be investigated.
func (p *Pseudonymizer) Repersonalize(ctx context.Context, redacted domain.Record, pseudonymID string) (domain.Record, error) {
	mapping, err := p.load(ctx, pseudonymID)
	if err != nil {
		return nil, err
	}

	if mapping.Expired(time.Now()) {
		return nil, domain.NewError(domain.ErrExpired, phase, fmt.Sprintf("pseudonym %q expired", pseudonymID), nil)
	}
	if mapping.Quarantined {
		return nil, domain.NewError(domain.ErrIntegrityError, phase, fmt.Sprintf("pseudonym %q is quarantined", pseudonymID), nil)
	}

	restored := redacted.Clone()
	for _, ft := range mapping.FieldTransforms {
		recomputed := p.tokenizer.token(ft.Kind, ft.OriginalValue)
		if recomputed != ft.TokenValue {
			p.quarantine(ctx, pseudonymID)
			return nil, domain.NewError(domain.ErrIntegrityError, phase, fmt.Sprintf("token mismatch at %q for pseudonym %q", ft.Path, pseudonymID), nil)
		}

		current, ok := getPath(restored, ft.Path)
		if ok {
			if currentStr, isStr := current.(string); isStr && currentStr != ft.TokenValue {
				p.quarantine(ctx, pseudonymID)
				return nil, domain.NewError(domain.ErrIntegrityError, phase, fmt.Sprintf("unexpected value at %q for pseudonym %q", ft.Path, pseudonymID), nil)
			}
		}

		setPath(restored, ft.Path, ft.OriginalValue)
	}

	return restored, nil
}

// load fetches a mapping from the store, falling back to the in-process
// map populated when persistence degraded at pseudonymize time.
func (p *Pseudonymizer) load(ctx context.Context, pseudonymID string) (*domain.PseudonymMapping, error) {
	if p.store != nil {
		if m, err := p.store.Load(ctx, pseudonymID); err == nil {
			return m, nil
		}
	}

	p.fallbackMu.Lock()
	m, ok := p.fallback[pseudonymID]
	p.fallbackMu.Unlock()
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, phase, fmt.Sprintf("unknown pseudonym %q", pseudonymID), nil)
	}
	return m, nil
}

// quarantine marks a mapping as unreliable in whichever store currently
// holds it, so it is retained for investigation but never trusted again.
func (p *Pseudonymizer) quarantine(ctx context.Context, pseudonymID string) {
	if p.store != nil {
		if err := p.store.Quarantine(ctx, pseudonymID); err == nil {
			return
		}
	}
	p.fallbackMu.Lock()
	defer p.fallbackMu.Unlock()
	if m, ok := p.fallback[pseudonymID]; ok {
		m.Quarantined = true
	}
}

// newPseudonymID generates an opaque, unguessable mapping identifier. It
// carries no information about the record it refers to.
func newPseudonymID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "pm_" + hex.EncodeToString(buf)
}
