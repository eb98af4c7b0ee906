package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
)

// storedTransform is the on-disk shape of a FieldTransform. Unlike
// domain.FieldTransform, whose OriginalValue carries `json:"-"` to keep
// plaintext out of any API response, the token store IS the reversal
// source and must keep the plaintext, so it uses its own serialization
// shape rather than encoding/json on the domain type directly.
type storedTransform struct {
	Path          string `json:"path"`
	Kind          string `json:"kind"`
	OriginalValue string `json:"original_value"`
	TokenValue    string `json:"token_value"`
}

func toStored(ft []domain.FieldTransform) ([]byte, error) {
	out := make([]storedTransform, len(ft))
	for i, t := range ft {
		out[i] = storedTransform{
			Path:          t.Path,
			Kind:          string(t.Kind),
			OriginalValue: t.OriginalValue,
			TokenValue:    t.TokenValue,
		}
	}
	return json.Marshal(out)
}

func fromStored(raw []byte) ([]domain.FieldTransform, error) {
	var in []storedTransform
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]domain.FieldTransform, len(in))
	for i, t := range in {
		out[i] = domain.FieldTransform{
			Path:          t.Path,
			Kind:          domain.PIIKind(t.Kind),
			OriginalValue: t.OriginalValue,
			TokenValue:    t.TokenValue,
		}
	}
	return out, nil
}

// Save inserts or replaces the mapping for m.PseudonymID.
func (s *Store) Save(ctx context.Context, m *domain.PseudonymMapping) error {
	transforms, err := toStored(m.FieldTransforms)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal field transforms: %w", err)
	}

	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO pseudonym_mappings
			(pseudonym_id, field_transforms, created_at, ttl_seconds, expires_at, durable, quarantined)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pseudonym_id) DO UPDATE SET
			field_transforms = excluded.field_transforms,
			created_at        = excluded.created_at,
			ttl_seconds       = excluded.ttl_seconds,
			expires_at        = excluded.expires_at,
			durable           = excluded.durable,
			quarantined       = excluded.quarantined`,
		m.PseudonymID, string(transforms), formatTime(m.CreatedAt),
		int64(m.TTL.Seconds()), formatTime(m.ExpiresAt()), boolToInt(m.Durable), boolToInt(m.Quarantined),
	)
	if err != nil {
		return fmt.Errorf("tokenstore: save mapping %s: %w", m.PseudonymID, err)
	}
	return nil
}

// Load fetches the mapping for pseudonymID, or domain.ErrNotFound if absent.
func (s *Store) Load(ctx context.Context, pseudonymID string) (*domain.PseudonymMapping, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT field_transforms, created_at, ttl_seconds, durable, quarantined
		FROM pseudonym_mappings WHERE pseudonym_id = ?`, pseudonymID)

	var rawTransforms, createdAt string
	var ttlSeconds int64
	var durable, quarantined int

	if err := row.Scan(&rawTransforms, &createdAt, &ttlSeconds, &durable, &quarantined); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.ErrNotFound, "tokenstore", fmt.Sprintf("unknown pseudonym %q", pseudonymID), nil)
		}
		return nil, fmt.Errorf("tokenstore: load mapping %s: %w", pseudonymID, err)
	}

	transforms, err := fromStored([]byte(rawTransforms))
	if err != nil {
		return nil, fmt.Errorf("tokenstore: unmarshal field transforms for %s: %w", pseudonymID, err)
	}

	created, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: parse created_at for %s: %w", pseudonymID, err)
	}

	return &domain.PseudonymMapping{
		PseudonymID:     pseudonymID,
		FieldTransforms: transforms,
		CreatedAt:       created,
		TTL:             time.Duration(ttlSeconds) * time.Second,
		Durable:         durable != 0,
		Quarantined:     quarantined != 0,
	}, nil
}

// Quarantine marks a mapping as unreliable without deleting it, so a
// failed integrity check can be investigated later.
func (s *Store) Quarantine(ctx context.Context, pseudonymID string) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE pseudonym_mappings SET quarantined = 1 WHERE pseudonym_id = ?`, pseudonymID)
	if err != nil {
		return fmt.Errorf("tokenstore: quarantine mapping %s: %w", pseudonymID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tokenstore: quarantine rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewError(domain.ErrNotFound, "tokenstore", fmt.Sprintf("unknown pseudonym %q", pseudonymID), nil)
	}
	return nil
}

// DeleteExpired removes mappings whose TTL has elapsed as of now, and
// returns how many rows were deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.writer.ExecContext(ctx, `
		DELETE FROM pseudonym_mappings WHERE expires_at < ?`,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("tokenstore: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// timeLayout is a fixed-width ISO8601 layout (always 9 fractional digits,
// always UTC) so that timestamps remain correctly orderable as plain TEXT
// in SQLite comparisons and indexes.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
