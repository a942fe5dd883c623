package share

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxNameSlug  = 40
	suffixLength = 6
)

var suffixEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Slugify turns a display name into a lowercase ASCII slug: accents are
// stripped and any run of other characters becomes a single hyphen.
func Slugify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimRight(sb.String(), "-")
	if len(s) > maxNameSlug {
		s = strings.TrimRight(s[:maxNameSlug], "-")
	}
	if s == "" {
		s = "account"
	}
	return s
}

// newSlug builds {name}-{YYYY-MM-DD}-{6 random base32 chars}. Uniqueness
// relies on the random suffix.
func newSlug(displayName string, recordedAt time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	suffix := strings.ToLower(suffixEncoding.EncodeToString(buf))[:suffixLength]
	return Slugify(displayName) + "-" + recordedAt.UTC().Format("2006-01-02") + "-" + suffix, nil
}
