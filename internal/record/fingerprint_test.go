package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := NewsFingerprint("半导体板块走强", "https://example.com/a", "2026-08-28 10:00:00")
	b := NewsFingerprint("半导体板块走强", "https://example.com/a", "2026-08-28 10:00:00")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestFingerprintComponentSensitivity(t *testing.T) {
	base := NewsFingerprint("title", "url", "2026-08-28")
	assert.NotEqual(t, base, NewsFingerprint("Title", "url", "2026-08-28"))
	assert.NotEqual(t, base, NewsFingerprint("title", "url2", "2026-08-28"))
	assert.NotEqual(t, base, NewsFingerprint("title", "url", "2026-08-29"))
}

func TestFingerprintSeparatorPreventsCollision(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not fingerprint equal
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestFingerprintEmptyFields(t *testing.T) {
	assert.Equal(t, Fingerprint("t", "", ""), Fingerprint("t", "", ""))
	assert.NotEqual(t, Fingerprint("t", "", ""), Fingerprint("t"))
}
