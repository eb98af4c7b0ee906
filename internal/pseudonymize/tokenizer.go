package pseudonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/recordguard/recordguard/internal/domain"
)

// anonDomainFallback is used when the original email's domain class can't
// be determined (no "@", or no dot in the host part).
const anonDomainFallback = "invalid"

// domainClass derives the original email domain's class — its TLD label —
// without retaining the registrable domain itself, per spec.md §4.1's
// "dom derived from original domain class, not value." example.com and
// corp.example.com both classify as "com"; a bare/malformed domain falls
// back to anonDomainFallback.
func domainClass(value string) string {
	at := strings.LastIndexByte(value, '@')
	if at < 0 || at == len(value)-1 {
		return anonDomainFallback
	}
	host := strings.ToLower(value[at+1:])
	dot := strings.LastIndexByte(host, '.')
	if dot < 0 || dot == len(host)-1 {
		return anonDomainFallback
	}
	return host[dot+1:]
}

// tokenizer turns (kind, value) pairs into deterministic prefixed tokens,
// keyed by a per-deployment HMAC secret. The same (kind, value, secret)
// triple always produces the same token; a different secret produces a
// different token for the same value, and the prefix never changes.
type tokenizer struct {
	key []byte
}

func newTokenizer(key []byte) *tokenizer {
	return &tokenizer{key: key}
}

// token computes the pseudonym token for a single detected value.
func (t *tokenizer) token(kind domain.PIIKind, value string) string {
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(string(kind) + ":" + value))
	digest := hex.EncodeToString(mac.Sum(nil))[:24]

	prefix := kind.TokenPrefix()
	if kind == domain.PIIEmail {
		return fmt.Sprintf("%s_%s@anon.%s", prefix, digest, domainClass(value))
	}
	return fmt.Sprintf("%s_%s", prefix, digest)
}
