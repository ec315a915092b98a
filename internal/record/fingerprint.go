package record

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a stable content identity from the identifying
// fields of a record. Deterministic: equal inputs always hash equal, so
// the same article fetched through two different adapters dedupes to one
// row. Matching is exact; a retitled copy of the same story produces a
// different fingerprint.
func Fingerprint(fields ...string) string {
	sum := md5.Sum([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// NewsFingerprint is the fingerprint policy for news: (title, url,
// published time) identify an article.
func NewsFingerprint(title, url, published string) string {
	return Fingerprint(title, url, published)
}
