package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// InputHash computes the deterministic hash used as the result cache key
// component for a node's inputs. The inputs are canonicalized (sorted map
// keys, compact separators) before hashing; the hash is SHA-256 truncated to
// 16 hex characters.
//
// Non-deterministic inputs (timestamps, random IDs injected upstream) defeat
// the cache; handlers are expected to scrub such fields before treating their
// parameters as idempotent.
func InputHash(inputs map[string]any) string {
	canonical := canonicalJSON(inputs)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON renders v with recursively sorted object keys and no
// insignificant whitespace. Values that cannot marshal fall back to their
// fmt representation so hashing never fails.
func canonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONValue(b, k)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		writeJSONValue(b, val)
	}
}

func writeJSONValue(b *strings.Builder, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	b.Write(data)
}
