package embedding

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/recordguard/recordguard/internal/domain"
)

// hashEmbedderKey is a fixed, non-secret key. It exists only to give the
// HMAC expansion a key argument; it is not a security boundary like the
// pseudonymizer's per-deployment HMAC key, since the embedding space is
// never expected to hide anything — only to compare signatures.
var hashEmbedderKey = []byte("recordguard-hash-embedder-v1")

// HashEmbedder is a deterministic, dependency-free fallback Embedder. It
// expands a signature string into Dimension floats via repeated
// HMAC-SHA256 blocks (a keyed variant of the standard HKDF expansion
// pattern), then L2-normalizes the result to a unit vector so cosine
// similarity behaves well regardless of signature length.
//
// It produces no semantic similarity between related-but-differently-worded
// signatures the way a learned embedding model would; it exists so the
// substrate is fully functional without an external embedding service, and
// as the default used by orchestrator in tests.
type HashEmbedder struct{}

// NewHashEmbedder constructs a HashEmbedder.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{}
}

// Embed implements Embedder.
func (e *HashEmbedder) Embed(_ context.Context, signature string) (domain.Embedding, error) {
	raw := expand(signature, Dimension*4)

	vec := make(domain.Embedding, Dimension)
	var sumSquares float64
	for i := 0; i < Dimension; i++ {
		bits := binary.BigEndian.Uint32(raw[i*4 : i*4+4])
		// Map to [-1, 1] via the signed interpretation of the same bits.
		v := float32(int32(bits)) / float32(math.MaxInt32)
		vec[i] = v
		sumSquares += float64(v) * float64(v)
	}

	norm := float32(math.Sqrt(sumSquares))
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// expand derives n pseudorandom but fully deterministic bytes from input by
// chaining HMAC-SHA256 blocks, each keyed on the block index so that no
// block repeats.
func expand(input string, n int) []byte {
	out := make([]byte, 0, n)
	var counter uint32
	for len(out) < n {
		mac := hmac.New(sha256.New, hashEmbedderKey)
		mac.Write([]byte(input))
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)
		mac.Write(ctr[:])
		out = append(out, mac.Sum(nil)...)
		counter++
	}
	return out[:n]
}
