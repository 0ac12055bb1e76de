package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Fingerprint derives the deduplication key for an alert: a SHA-256 over the
// normalized source name and the compacted payload. Identical alerts always
// produce identical fingerprints; cosmetic whitespace differences do not
// defeat coalescing.
func Fingerprint(source string, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(normalizeText(source)))
	h.Write([]byte{0})

	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		// Not JSON: hash the raw bytes as-is.
		h.Write(payload)
	} else {
		h.Write(buf.Bytes())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
