package shared

import (
	"encoding/base64"
	"strings"
)

var base64urlReplacer = strings.NewReplacer("-", "+", "_", "/", ".", "=")

// EncodeWebsafe encodes b with the URL-safe alphabet and no padding.
func EncodeWebsafe(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 accepts standard or websafe base64, with or without
// padding. A "." is treated as websafe padding.
func DecodeBase64(s string) ([]byte, error) {
	normalized := base64urlReplacer.Replace(strings.TrimSpace(s))
	normalized = strings.TrimRight(normalized, "=")
	return base64.RawStdEncoding.DecodeString(normalized)
}
