package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"lv-closure/internal/types"
)

// Timestamps must never influence the content hash: the same logical
// step replayed on resume carries a different wall clock but must hash
// identically. Stripping happens on two axes, key names that look like
// timestamps and ISO-8601-shaped substrings inside values.

var isoTimestampPattern = regexp.MustCompile(
	`\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?`)

var timestampKeySuffixes = []string{"_at", "_time", "_date", "_ts"}

var timestampKeyNames = map[string]struct{}{
	"timestamp": {},
	"time":      {},
	"date":      {},
	"at":        {},
	"ts":        {},
	"datetime":  {},
}

func isTimestampKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := timestampKeyNames[k]; ok {
		return true
	}
	for _, suffix := range timestampKeySuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

func stripTimestampText(s string) string {
	return strings.TrimSpace(isoTimestampPattern.ReplaceAllString(s, ""))
}

// normalizeData removes timestamp-shaped content from a data payload,
// recursing through nested maps and slices. The input is not mutated.
func normalizeData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isTimestampKey(k) {
			continue
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return stripTimestampText(val)
	case map[string]any:
		return normalizeData(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeValue(item)
		}
		return items
	default:
		return v
	}
}

// canonicalJSON renders data with a stable key order. The hash depends
// on encoding/json sorting map keys; this must not switch to the
// transport codec.
func canonicalJSON(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(raw)
}

// contentHash derives the dedup key for an audit entry from already
// normalized content. It is a pure function; wall-clock noise never
// reaches it.
func contentHash(accountID string, step types.ClosureStep, level types.AuditLevel, strippedMessage string, normalized map[string]any) string {
	buf := accountID + "|" + string(step) + "|" + string(level) + "|" + strippedMessage + "|" + canonicalJSON(normalized)
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}
