package form

import (
	"strconv"
	"strings"
	"unicode"
)

// NormalizeKey is the trimmed, case-insensitive form used to match keys.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// MergeBatch folds a freshly generated batch of raw question items into fields
// for one scope (a section or a classification).
//
// Items whose normalized key matches an existing in-scope field keep that
// field's uid, key and answer unless the item overrides them; other items get a
// new uid. In-scope fields missing from the batch are dropped. Fields of other
// scopes are returned unchanged and in their original order, with the merged
// block placed where the scope's first field was. A batch that is not a list is
// treated as empty.
func MergeBatch(fields []Field, incoming any, scope string, ids *Issuer) []Field {
	items := rawItems(incoming)

	existing := make(map[string]Field)
	others := make([]Field, 0, len(fields))
	insertAt := -1
	for _, field := range fields {
		if field.Scope != scope {
			others = append(others, field)
			continue
		}
		if insertAt < 0 {
			insertAt = len(others)
		}
		normalized := NormalizeKey(field.Key)
		if _, seen := existing[normalized]; !seen {
			existing[normalized] = field
		}
	}
	if insertAt < 0 {
		insertAt = len(others)
	}

	taken := make(map[string]struct{}, len(fields)+len(items))
	for _, field := range others {
		taken[NormalizeKey(field.Key)] = struct{}{}
	}

	claimed := make(map[string]bool)
	merged := make([]Field, 0, len(items))
	for i, item := range items {
		key := rawKey(item, i)
		normalized := NormalizeKey(key)

		var field Field
		if prior, ok := existing[normalized]; ok && !claimed[normalized] {
			claimed[normalized] = true
			field = Overlay(prior.Clone(), item)
			field.UID = prior.UID
			field.Key = prior.Key
		} else {
			field = Overlay(Field{}, item)
			field.UID = ids.Next()
			field.Key = key
		}

		field.Scope = scope
		if field.Type == "" {
			field.Type = TypeText
		}
		field.Key = UniqueKey(field.Key, taken)
		taken[NormalizeKey(field.Key)] = struct{}{}
		if field.Answer == nil {
			field.Answer = DefaultAnswer(field.Type, field.Columns)
		}
		field.Fields = WithStableUIDs(field.Fields, ids)
		merged = append(merged, field)
	}

	out := make([]Field, 0, len(others)+len(merged))
	out = append(out, others[:insertAt]...)
	out = append(out, merged...)
	out = append(out, others[insertAt:]...)
	return out
}

// UniqueKey returns base, or base_1, base_2, ... whichever is not yet taken.
func UniqueKey(base string, taken map[string]struct{}) string {
	if _, used := taken[NormalizeKey(base)]; !used {
		return base
	}
	for n := 1; ; n++ {
		candidate := base + "_" + strconv.Itoa(n)
		if _, used := taken[NormalizeKey(candidate)]; !used {
			return candidate
		}
	}
}

// FieldFromRaw builds a field from a loosely typed generated item.
func FieldFromRaw(item map[string]any) Field {
	field := Overlay(Field{}, item)
	if field.Type == "" {
		field.Type = TypeText
	}
	return field
}

// Overlay returns f with every attribute present in attrs applied. The uid and
// scope are never taken from attrs.
func Overlay(f Field, attrs map[string]any) Field {
	for name, value := range attrs {
		switch name {
		case "key":
			if s, ok := value.(string); ok {
				f.Key = s
			}
		case "type":
			if s, ok := value.(string); ok {
				f.Type = NormalizeType(s)
			}
		case "label":
			f.Label = stringify(value)
		case "question":
			f.Question = stringify(value)
		case "text":
			if _, hasQuestion := attrs["question"]; !hasQuestion {
				f.Question = stringify(value)
			}
		case "help":
			f.Help = stringify(value)
		case "required":
			f.Required = truthy(value)
		case "options":
			if options, ok := StringsOf(value); ok {
				f.Options = cloneStrings(options)
			}
		case "columns":
			if columns, ok := StringsOf(value); ok {
				f.Columns = cloneStrings(columns)
			}
		case "fields":
			f.Fields = childFields(value)
		case "answer":
			f.Answer = cloneAnswer(value)
		case "visibleIf":
			f.VisibleIf = parseVisibleIf(value)
		}
	}
	return f
}

func childFields(value any) []Field {
	items := rawItems(value)
	children := make([]Field, 0, len(items))
	for i, item := range items {
		child := FieldFromRaw(item)
		if child.Key == "" {
			child.Key = rawKey(item, i)
		}
		children = append(children, child)
	}
	return children
}

func parseVisibleIf(value any) VisibleIf {
	switch v := value.(type) {
	case VisibleIf:
		return v
	case map[string]any:
		if len(v) == 0 {
			return nil
		}
		out := make(VisibleIf, len(v))
		for key, requirement := range v {
			out[key] = ParseRequirement(requirement)
		}
		return out
	default:
		return nil
	}
}

// IsBatch reports whether incoming is a list with at least one question item.
func IsBatch(incoming any) bool {
	return len(rawItems(incoming)) > 0
}

func rawItems(incoming any) []map[string]any {
	switch v := incoming.(type) {
	case []map[string]any:
		return v
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, entry := range v {
			switch item := entry.(type) {
			case map[string]any:
				items = append(items, item)
			case string:
				if strings.TrimSpace(item) != "" {
					items = append(items, map[string]any{"question": item})
				}
			}
		}
		return items
	default:
		return nil
	}
}

func rawKey(item map[string]any, index int) string {
	for _, name := range []string{"key", "id"} {
		if s, ok := item[name].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	for _, name := range []string{"question", "label", "text"} {
		if s, ok := item[name].(string); ok {
			if slug := slugify(s); slug != "" {
				return slug
			}
		}
	}
	return "question_" + strconv.Itoa(index+1)
}

func slugify(text string) string {
	var b strings.Builder
	pendingUnderscore := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingUnderscore && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingUnderscore = false
			b.WriteRune(r)
			if b.Len() >= 48 {
				break
			}
			continue
		}
		pendingUnderscore = true
	}
	return b.String()
}
