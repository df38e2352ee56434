package recommend

import (
	"strings"
)

// Bucket is the content recovered for one classification header.
type Bucket struct {
	Label   string
	Content string
}

// Buckets keeps recovered classifications in the order they appeared.
type Buckets []Bucket

var bulletPrefixes = []string{"- ", "* ", "•", "+ "}

// SplitFreeText splits legacy plain-text recommendations into per-classification
// buckets. A line wrapped in asterisks, or any other line that is not a bullet,
// opens a bucket; the following bullet lines fill it. Text before the first
// header is dropped, as are blank lines.
//
// Every non-bullet line counts as a header, so ordinary prose splits into
// spurious buckets. Stored data depends on the rule and it is kept as is;
// new data is stored as structured items.
func SplitFreeText(markdown string) Buckets {
	var buckets Buckets
	current := -1
	index := make(map[string]int)
	for _, raw := range strings.Split(markdown, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if label, isHeader := headerLabel(line); isHeader {
			if existing, ok := index[label]; ok {
				current = existing
				continue
			}
			buckets = append(buckets, Bucket{Label: label})
			current = len(buckets) - 1
			index[label] = current
			continue
		}
		if current < 0 {
			continue
		}
		if buckets[current].Content != "" {
			buckets[current].Content += "\n"
		}
		buckets[current].Content += line
	}
	return buckets
}

func headerLabel(line string) (string, bool) {
	if len(line) >= 2 && strings.HasPrefix(line, "*") && strings.HasSuffix(line, "*") && !strings.HasPrefix(line, "* ") {
		return strings.TrimSpace(strings.Trim(line, "*")), true
	}
	if isBullet(line) {
		return "", false
	}
	// Other headers are named by the whole trimmed line, markup included.
	return line, true
}

func isBullet(line string) bool {
	for _, prefix := range bulletPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return isNumbered(line)
}

// isNumbered matches "1. step" and "2) step".
func isNumbered(line string) bool {
	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits+1 >= len(line) {
		return false
	}
	return (line[digits] == '.' || line[digits] == ')') && line[digits+1] == ' '
}

// Map returns the buckets keyed by label.
func (b Buckets) Map() map[string]string {
	out := make(map[string]string, len(b))
	for _, bucket := range b {
		out[bucket.Label] = bucket.Content
	}
	return out
}

// Match finds the bucket for a classification. It tries an exact label match,
// then a case and whitespace insensitive match, then the last segment of a
// "A > B > C" hierarchy.
func (b Buckets) Match(classification string) (Bucket, bool) {
	for _, bucket := range b {
		if bucket.Label == classification {
			return bucket, true
		}
	}
	wanted := fold(classification)
	for _, bucket := range b {
		if fold(bucket.Label) == wanted {
			return bucket, true
		}
	}
	if i := strings.LastIndex(classification, ">"); i >= 0 {
		last := fold(classification[i+1:])
		for _, bucket := range b {
			if fold(bucket.Label) == last {
				return bucket, true
			}
		}
	}
	return Bucket{}, false
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// FromFreeText converts legacy free text into items. Each bucket is tagged with
// the classification it matches, or with its own label; every content line
// becomes one unchecked item.
func FromFreeText(markdown string, classifications []string, fallbackTag string) []Item {
	buckets := SplitFreeText(markdown)
	tagFor := make(map[string]string, len(buckets))
	for _, classification := range classifications {
		if bucket, ok := buckets.Match(classification); ok {
			if _, claimed := tagFor[bucket.Label]; !claimed {
				tagFor[bucket.Label] = classification
			}
		}
	}

	var raw []any
	for _, bucket := range buckets {
		tag, ok := tagFor[bucket.Label]
		if !ok {
			tag = bucket.Label
		}
		for _, line := range strings.Split(bucket.Content, "\n") {
			if line == "" {
				continue
			}
			raw = append(raw, map[string]any{"text": line, "section": tag})
		}
	}
	if len(raw) == 0 {
		return Normalize(markdown, fallbackTag)
	}
	return Normalize(raw, fallbackTag)
}
