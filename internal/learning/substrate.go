// Package learning implements the Learning / Cache Substrate: a thin,
// typed wrapper over internal/vectorstore that adds signature
// canonicalization, reinforcement bookkeeping, temporal decay, and the
// process's three adaptive thresholds.
package learning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/embedding"
	"github.com/recordguard/recordguard/internal/vectorstore"
)

// Substrate is the Learning / Cache Substrate. It owns no collection-naming
// decisions of its own: every PatternKind maps to its vectorstore
// collection via domain.PatternKind.Collection.
type Substrate struct {
	store      vectorstore.Store
	embedder   embedding.Embedder
	Thresholds *ThresholdManager
	locks      *idLocks

	cleanupMaxAge  time.Duration
	cleanupMinUses int
}

// Option configures a Substrate at construction time.
type Option func(*Substrate)

// WithCleanupPolicy sets the decay tick's sweep policy: records older than
// maxAge that have been used fewer than minUses times become eligible for
// deletion. Records with at least minUses uses are never auto-deleted.
func WithCleanupPolicy(maxAge time.Duration, minUses int) Option {
	return func(s *Substrate) {
		s.cleanupMaxAge = maxAge
		s.cleanupMinUses = minUses
	}
}

// New constructs a Substrate over store and embedder, seeding its adaptive
// thresholds with initial.
func New(store vectorstore.Store, embedder embedding.Embedder, initial Thresholds, opts ...Option) *Substrate {
	s := &Substrate{
		store:      store,
		embedder:   embedder,
		Thresholds: NewThresholdManager(initial),
		locks:      &idLocks{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signature canonicalizes record under contextTag and embeds the result,
// returning both the canonical string (useful for logging/debugging) and
// its vector (used for similarity queries).
func (s *Substrate) Signature(ctx context.Context, record domain.Record, contextTag string) (string, domain.Embedding, error) {
	sig, err := Signature(record, contextTag)
	if err != nil {
		return "", nil, err
	}
	vec, err := s.embedder.Embed(ctx, sig)
	if err != nil {
		return "", nil, fmt.Errorf("learning: embed signature: %w", err)
	}
	return sig, vec, nil
}

// Record appends a new pattern to the substrate, per spec.md §4.3's
// record(kind, signature_vector, payload, initial_stats) contract.
// Reinforcement is computed once here and cached on the stored record; it
// is never recomputed at query time.
func (s *Substrate) Record(ctx context.Context, kind domain.PatternKind, signatureVector domain.Embedding, payload map[string]any, initialStats domain.Stats) (*domain.PatternRecord, error) {
	if initialStats.LastUsedAt.IsZero() {
		initialStats.LastUsedAt = time.Now()
	}
	if initialStats.Confidence == 0 {
		initialStats.Confidence = 1.0 / (1.0 + float64(initialStats.Uses))
	}

	rec := &domain.PatternRecord{
		ID:              "pat_" + uuid.New().String(),
		Kind:            kind,
		SignatureVector: signatureVector,
		Payload:         payload,
		Metadata:        map[string]any{},
		Stats:           initialStats,
	}
	rec.Reinforcement = computeReinforcement(rec.Stats, time.Now())

	if err := s.store.Upsert(ctx, kind.Collection(), rec); err != nil {
		return nil, fmt.Errorf("learning: record %s: %w", kind, err)
	}
	return rec, nil
}

// RecordOutcome folds an interaction's outcome into an existing pattern's
// stats: uses increments, successes increments iff approved, quality_sum
// and quality_n accumulate overallScore, and reinforcement is recomputed
// and persisted. It also feeds the quality threshold's rolling mean.
func (s *Substrate) RecordOutcome(ctx context.Context, kind domain.PatternKind, id string, approved bool, overallScore float64) error {
	unlock := s.locks.lock(lockKey(kind.Collection(), id))
	defer unlock()

	rec, err := s.store.Get(ctx, kind.Collection(), id)
	if err != nil {
		return fmt.Errorf("learning: record outcome for %s/%s: %w", kind, id, err)
	}

	rec.Stats.Uses++
	if approved {
		rec.Stats.Successes++
	}
	rec.Stats.QualitySum += overallScore
	rec.Stats.QualityN++
	rec.Stats.LastUsedAt = time.Now()
	rec.Stats.Confidence = 1.0 / (1.0 + float64(rec.Stats.Uses))
	rec.Reinforcement = computeReinforcement(rec.Stats, time.Now())

	if err := s.store.Upsert(ctx, kind.Collection(), rec); err != nil {
		return fmt.Errorf("learning: persist outcome for %s/%s: %w", kind, id, err)
	}

	s.Thresholds.RecordQuality(overallScore)
	return nil
}

// BestOf implements spec.md §4.3's best_of(kind, query_vector,
// min_similarity): the record maximizing similarity*reinforcement among
// those with similarity at or above minSimilarity. Ties break by newer
// last_used_at, then by lower id.
func (s *Substrate) BestOf(ctx context.Context, kind domain.PatternKind, queryVector domain.Embedding, minSimilarity float64) (*domain.PatternRecord, float64, error) {
	scored, err := s.store.Query(ctx, kind.Collection(), queryVector, 0, minSimilarity)
	if err != nil {
		return nil, 0, fmt.Errorf("learning: best_of %s: %w", kind, err)
	}
	best, ok := bestWeighted(scored, nil)
	if !ok {
		return nil, 0, nil
	}
	s.Thresholds.RecordSimilarity(best.Similarity)
	return best.Record, best.Similarity, nil
}

// BestImproved narrows BestOf to records whose payload marks them as an
// improved_template, so a caller looking specifically for an improvement
// (spec.md §4.6's get_improved) doesn't lose to a higher-weighted fresh or
// reused pattern sharing the same signature neighborhood.
func (s *Substrate) BestImproved(ctx context.Context, kind domain.PatternKind, queryVector domain.Embedding, minSimilarity float64) (*domain.PatternRecord, float64, error) {
	scored, err := s.store.Query(ctx, kind.Collection(), queryVector, 0, minSimilarity)
	if err != nil {
		return nil, 0, fmt.Errorf("learning: best_improved %s: %w", kind, err)
	}
	best, ok := bestWeighted(scored, func(rec *domain.PatternRecord) bool {
		return rec.Payload["source"] == string(domain.SourceImproved)
	})
	if !ok {
		return nil, 0, nil
	}
	return best.Record, best.Similarity, nil
}

// bestWeighted picks the similarity*reinforcement-maximizing record among
// scored, restricted to those passing keep (keep == nil admits everything).
// Ties break by newer last_used_at, then by lower id.
func bestWeighted(scored []vectorstore.ScoredRecord, keep func(*domain.PatternRecord) bool) (vectorstore.ScoredRecord, bool) {
	var candidates []vectorstore.ScoredRecord
	for _, s := range scored {
		if keep == nil || keep(s.Record) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return vectorstore.ScoredRecord{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		wi := candidates[i].Similarity * candidates[i].Record.Reinforcement
		wj := candidates[j].Similarity * candidates[j].Record.Reinforcement
		if wi != wj {
			return wi > wj
		}
		if !candidates[i].Record.Stats.LastUsedAt.Equal(candidates[j].Record.Stats.LastUsedAt) {
			return candidates[i].Record.Stats.LastUsedAt.After(candidates[j].Record.Stats.LastUsedAt)
		}
		return candidates[i].Record.ID < candidates[j].Record.ID
	})
	return candidates[0], true
}

// Similar implements spec.md §4.3's similar(kind, query_vector, k,
// min_similarity): top-k by raw similarity, unweighted by reinforcement.
// Used for analytics, not for prompt reuse decisions.
func (s *Substrate) Similar(ctx context.Context, kind domain.PatternKind, queryVector domain.Embedding, k int, minSimilarity float64) ([]vectorstore.ScoredRecord, error) {
	scored, err := s.store.Query(ctx, kind.Collection(), queryVector, k, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("learning: similar %s: %w", kind, err)
	}
	return scored, nil
}

// Get fetches a single pattern record by ID, satisfying the narrow
// quality.SubstrateWriter lookup need without exposing the full Store.
func (s *Substrate) Get(ctx context.Context, kind domain.PatternKind, id string) (*domain.PatternRecord, error) {
	return s.store.Get(ctx, kind.Collection(), id)
}

// Upsert writes rec directly, recomputing reinforcement first. Used by
// internal/quality to persist derived improved_template patterns through
// the narrow SubstrateWriter interface.
func (s *Substrate) Upsert(ctx context.Context, kind domain.PatternKind, rec *domain.PatternRecord) error {
	unlock := s.locks.lock(lockKey(kind.Collection(), rec.ID))
	defer unlock()

	rec.Kind = kind
	rec.Reinforcement = computeReinforcement(rec.Stats, time.Now())
	if err := s.store.Upsert(ctx, kind.Collection(), rec); err != nil {
		return fmt.Errorf("learning: upsert %s/%s: %w", kind, rec.ID, err)
	}
	return nil
}

// allKinds lists every collection the decay tick sweeps.
var allKinds = []domain.PatternKind{
	domain.PatternPrompt,
	domain.PatternAnalysis,
	domain.PatternValidation,
	domain.PatternReasoning,
	domain.PatternCrossLink,
}

// StartDecay starts the background reinforcement-recompute and cleanup
// tick, grounded on the same ticker-plus-panic-recovery shape used
// elsewhere in the process for periodic maintenance. The returned channel
// closes when the goroutine exits, so callers can synchronize shutdown.
func (s *Substrate) StartDecay(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.decayOnce(ctx)
			}
		}
	}()
	return done
}

func (s *Substrate) decayOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("learning: recovered from panic during decay tick")
		}
	}()

	now := time.Now()
	for _, kind := range allKinds {
		records, err := s.store.All(ctx, kind.Collection())
		if err != nil {
			log.Error().Err(err).Str("collection", kind.Collection()).Msg("learning: decay tick: list collection")
			continue
		}
		for _, rec := range records {
			s.decayRecord(ctx, kind, rec, now)
		}
	}
}

func (s *Substrate) decayRecord(ctx context.Context, kind domain.PatternKind, rec *domain.PatternRecord, now time.Time) {
	unlock := s.locks.lock(lockKey(kind.Collection(), rec.ID))
	defer unlock()

	if s.cleanupMaxAge > 0 && rec.Stats.Uses < s.cleanupMinUses && now.Sub(rec.Stats.LastUsedAt) > s.cleanupMaxAge {
		if err := s.store.Delete(ctx, kind.Collection(), rec.ID); err != nil {
			log.Error().Err(err).Str("id", rec.ID).Msg("learning: decay tick: cleanup delete")
		}
		return
	}

	recomputed := computeReinforcement(rec.Stats, now)
	if recomputed == rec.Reinforcement {
		return
	}
	rec.Reinforcement = recomputed
	if err := s.store.Upsert(ctx, kind.Collection(), rec); err != nil {
		log.Error().Err(err).Str("id", rec.ID).Msg("learning: decay tick: persist reinforcement")
	}
}
