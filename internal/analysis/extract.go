package analysis

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kalambet/optlog/internal/storage"
)

var tagCategories = map[string]string{
	"VERBA":       storage.CategoryBudget,
	"ORCAMENTO":   storage.CategoryBudget,
	"BUDGET":      storage.CategoryBudget,
	"LANCE":       storage.CategoryBudget,
	"CRIATIVO":    storage.CategoryCreative,
	"CRIATIVOS":   storage.CategoryCreative,
	"CREATIVE":    storage.CategoryCreative,
	"PUBLICO":     storage.CategoryTargeting,
	"SEGMENTACAO": storage.CategoryTargeting,
	"TARGETING":   storage.CategoryTargeting,
	"COPY":        storage.CategoryCopy,
	"TEXTO":       storage.CategoryCopy,
}

// ParseExtractItems builds the structured view of a bulleted extract. It is
// best effort: untagged bullets and unknown tags become "other", blank lines
// and headings are skipped.
func ParseExtractItems(text string) []storage.ExtractItem {
	items := []storage.ExtractItem{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		bullet := false
		for _, p := range []string{"•", "-", "*", "–"} {
			if strings.HasPrefix(line, p) {
				line = strings.TrimSpace(strings.TrimPrefix(line, p))
				bullet = true
				break
			}
		}

		category := storage.CategoryOther
		if strings.HasPrefix(line, "[") {
			end := strings.Index(line, "]")
			if end < 0 {
				continue
			}
			if c, ok := tagCategories[foldTag(line[1:end])]; ok {
				category = c
			}
			line = strings.TrimSpace(line[end+1:])
			bullet = true
		}
		if !bullet || line == "" {
			continue
		}
		items = append(items, storage.ExtractItem{Category: category, Description: line})
	}
	return items
}

// CleanExtract validates a generated extract: it must be non-empty and hold
// at least one bullet.
func CleanExtract(raw string) (string, []storage.ExtractItem, error) {
	text, err := CleanText(raw)
	if err != nil {
		return "", nil, err
	}
	items := ParseExtractItems(text)
	if len(items) == 0 {
		return "", nil, fmt.Errorf("%w: no action bullets", ErrInvalidOutput)
	}
	return text, items, nil
}

// foldTag upper-cases a tag and strips diacritics so "Público" matches PUBLICO.
func foldTag(tag string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, tag)
	if err != nil {
		out = tag
	}
	return strings.ToUpper(strings.TrimSpace(out))
}
