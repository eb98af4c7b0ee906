package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
)

// maxSignatureLen bounds the canonical string before hashing, so a
// pathologically large record cannot blow up the embedder's input.
const maxSignatureLen = 8192

// numericBucketSize buckets numeric fields to this granularity before
// canonicalization, so values like 1042.37 and 1041.9 collapse to the same
// signature bucket instead of producing distinct, never-reused patterns.
const numericBucketSize = 10.0

// Signature canonicalizes record (plus the context tag it is being used
// under) into a deterministic string: identical records under the same
// context tag always produce byte-identical signatures, and therefore,
// via a deterministic Embedder, byte-identical vectors.
//
// Canonicalization: stable key ordering (encoding/json already sorts map
// keys), numeric values bucketed to numericBucketSize, RFC3339 timestamps
// truncated to their ISO date, then the whole tree hashed to a fixed-length
// hex digest and prefixed with the context tag.
func Signature(record domain.Record, contextTag string) (string, error) {
	normalized := normalizeValue(map[string]any(record))
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("learning: canonicalize signature: %w", err)
	}

	body := string(encoded)
	if len(body) > maxSignatureLen {
		body = body[:maxSignatureLen]
	}

	sum := sha256.Sum256([]byte(body))
	return contextTag + ":" + hex.EncodeToString(sum[:]), nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = normalizeValue(sub)
		}
		return out

	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = normalizeValue(sub)
		}
		return out

	case string:
		if t, ok := parseTimestamp(val); ok {
			return t.Format("2006-01-02")
		}
		return val

	case float64:
		return bucketNumber(val)

	case int:
		return bucketNumber(float64(val))

	case int64:
		return bucketNumber(float64(val))

	default:
		return val
	}
}

func bucketNumber(f float64) float64 {
	return math.Round(f/numericBucketSize) * numericBucketSize
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// sortedKeys is used by tests to assert stable key ordering independent of
// Go's map iteration order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
