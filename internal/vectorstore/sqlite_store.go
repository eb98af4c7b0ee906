package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/recordguard/recordguard/internal/domain"
)

// SQLiteStore is a durable Store backed by SQLite. Vectors are stored as
// raw float32 blobs (big-endian, via encoding/binary) and similarity is
// computed in Go after decoding: modernc.org/sqlite ships no vector
// extension, so there is no way to push cosine distance into the query
// itself without a native (cgo) sqlite build.
type SQLiteStore struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

// OpenSQLiteStore opens (creating if absent) the vector database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vectorstore: create directory %s: %w", dir, err)
	}

	writerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("vectorstore: ping writer: %w", err)
	}

	readerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("vectorstore: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("vectorstore: ping reader: %w", err)
	}

	s := &SQLiteStore{writer: writer, reader: reader, path: path}
	if _, err := s.writer.Exec(schemaPatterns); err != nil {
		s.Close()
		return nil, fmt.Errorf("vectorstore: create schema: %w", err)
	}
	return s, nil
}

const schemaPatterns = `
CREATE TABLE IF NOT EXISTS patterns (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    vector     BLOB NOT NULL,
    payload    TEXT NOT NULL,
    metadata   TEXT NOT NULL,
    stats      TEXT NOT NULL,
    reinforcement REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (collection, id)
);
`

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
		if err := s.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// Path returns the filesystem path of the database.
func (s *SQLiteStore) Path() string { return s.path }

// encodeVector packs a float32 vector into a big-endian byte blob.
func encodeVector(v domain.Embedding) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) domain.Embedding {
	n := len(buf) / 4
	v := make(domain.Embedding, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return v
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, rec *domain.PatternRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal payload: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal metadata: %w", err)
	}
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal stats: %w", err)
	}

	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO patterns (collection, id, vector, payload, metadata, stats, reinforcement)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			vector        = excluded.vector,
			payload       = excluded.payload,
			metadata      = excluded.metadata,
			stats         = excluded.stats,
			reinforcement = excluded.reinforcement`,
		collection, rec.ID, encodeVector(rec.SignatureVector), string(payload), string(metadata), string(stats), rec.Reinforcement,
	)
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %s/%s: %w", collection, rec.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*domain.PatternRecord, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT vector, payload, metadata, stats, reinforcement
		FROM patterns WHERE collection = ? AND id = ?`, collection, id)

	rec, err := scanPattern(row, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.ErrNotFound, "vectorstore", fmt.Sprintf("no record %q in collection %q", id, collection), nil)
	}
	return rec, err
}

func scanPattern(row *sql.Row, collection, id string) (*domain.PatternRecord, error) {
	var vecBlob []byte
	var payload, metadata, stats string
	var reinforcement float64

	if err := row.Scan(&vecBlob, &payload, &metadata, &stats, &reinforcement); err != nil {
		return nil, err
	}

	rec := &domain.PatternRecord{
		ID:              id,
		SignatureVector: decodeVector(vecBlob),
		Reinforcement:   reinforcement,
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("vectorstore: unmarshal payload: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("vectorstore: unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
		return nil, fmt.Errorf("vectorstore: unmarshal stats: %w", err)
	}
	return rec, nil
}

// All implements Store.
func (s *SQLiteStore) All(ctx context.Context, collection string) ([]*domain.PatternRecord, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, vector, payload, metadata, stats, reinforcement
		FROM patterns WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: all %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*domain.PatternRecord
	for rows.Next() {
		var id string
		var vecBlob []byte
		var payload, metadata, stats string
		var reinforcement float64

		if err := rows.Scan(&id, &vecBlob, &payload, &metadata, &stats, &reinforcement); err != nil {
			return nil, fmt.Errorf("vectorstore: scan row: %w", err)
		}
		rec := &domain.PatternRecord{ID: id, SignatureVector: decodeVector(vecBlob), Reinforcement: reinforcement}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("vectorstore: unmarshal payload: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("vectorstore: unmarshal metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
			return nil, fmt.Errorf("vectorstore: unmarshal stats: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: iterate rows: %w", err)
	}
	return out, nil
}

// Query implements Store. It loads the full collection and scores it in
// Go; collections are expected to stay small enough (bounded by the
// learning substrate's cleanup policy) for a linear scan to be adequate.
func (s *SQLiteStore) Query(ctx context.Context, collection string, queryVector domain.Embedding, k int, minSimilarity float64) ([]ScoredRecord, error) {
	all, err := s.All(ctx, collection)
	if err != nil {
		return nil, err
	}

	var scored []ScoredRecord
	for _, rec := range all {
		sim := cosineSimilarity(queryVector, rec.SignatureVector)
		if sim >= minSimilarity {
			scored = append(scored, ScoredRecord{Record: rec, Similarity: sim})
		}
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM patterns WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("vectorstore: delete %s/%s: %w", collection, id, err)
	}
	return nil
}
