package index

import "unicode/utf8"

// DefaultMaxStringBytes is the default byte budget for search-indexed
// strings. Values longer than this are truncated before indexing; the stored
// resource payload is never affected.
const DefaultMaxStringBytes = 1024

// TruncateString shortens s to at most maxBytes UTF-8 bytes, cutting only on
// whole-codepoint boundaries. A multi-byte character that straddles the limit
// is dropped entirely, never split. The operation is total and idempotent:
// strings already within budget are returned unchanged, and truncating a
// truncated string is a no-op.
func TruncateString(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
