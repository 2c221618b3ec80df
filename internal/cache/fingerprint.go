// Package cache deduplicates identical non-streaming requests: a
// fingerprint over the semantic request content keys a bounded
// in-memory LRU, optionally backed by the shared K/V store, and
// concurrent identical misses collapse to one upstream call.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/user/llm-gateway/internal/models"
)

// keyPrefix namespaces cache entries in the shared K/V store.
const keyPrefix = "resp:"

// volatileKeys are body fields that do not affect the response content
// and are excluded from the fingerprint.
var volatileKeys = map[string]bool{
	"stream":         true,
	"stream_options": true,
	"user":           true,
	"metadata":       true,
}

// Cacheable reports whether responses for the operation may be cached.
// Image generation is non-deterministic and never cached.
func Cacheable(op models.Operation) bool {
	switch op {
	case models.OpChatCompletion, models.OpTextCompletion, models.OpEmbeddings:
		return true
	default:
		return false
	}
}

// Fingerprint derives the cache key for a request: a SHA-256 over a
// canonical rendering of the operation, model and body with volatile
// keys removed. Key order never affects the result.
func Fingerprint(env *models.RequestEnvelope) string {
	var b strings.Builder
	b.WriteString(string(env.Operation))
	b.WriteByte('\n')
	b.WriteString(env.Model)
	b.WriteByte('\n')
	writeCanonical(&b, pruned(env.Body))

	sum := sha256.Sum256([]byte(b.String()))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func pruned(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if volatileKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// writeCanonical renders a value deterministically: maps emit keys in
// sorted order, everything else goes through encoding/json (which is
// already deterministic for non-map values).
func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	}
}
