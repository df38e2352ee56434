// Package form holds the dynamic procedure form engine: field types and their
// answers, visibility rules, stable field identity and merging of generated
// question batches.
package form

import (
	"strings"
)

// Type is the canonical answer type of a field.
type Type string

const (
	TypeText        Type = "text"
	TypeTextarea    Type = "textarea"
	TypeNumber      Type = "number"
	TypeCurrency    Type = "currency"
	TypeCheckbox    Type = "checkbox"
	TypeSelect      Type = "select"
	TypeMultiselect Type = "multiselect"
	TypeTable       Type = "table"
	TypeGroup       Type = "group"
)

// DocumentationReminderKey marks a field that is never displayed or exported.
const DocumentationReminderKey = "documentation_reminder"

var legacyTypeAliases = map[string]Type{
	"textfield": TypeText,
	"selection": TypeSelect,
}

var knownTypes = map[Type]struct{}{
	TypeText:        {},
	TypeTextarea:    {},
	TypeNumber:      {},
	TypeCurrency:    {},
	TypeCheckbox:    {},
	TypeSelect:      {},
	TypeMultiselect: {},
	TypeTable:       {},
	TypeGroup:       {},
}

// NormalizeType maps legacy aliases onto canonical types. Unknown input is
// lower-cased and passed through; callers render it with a plain text editor.
func NormalizeType(raw string) Type {
	value := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := legacyTypeAliases[value]; ok {
		return alias
	}
	return Type(value)
}

// Known reports whether t is one of the canonical types.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// EditorType is the type a UI should render; unknown types fall back to text.
func (t Type) EditorType() Type {
	if t.Known() {
		return t
	}
	return TypeText
}

// Row is one record of a table answer, keyed by column name.
type Row map[string]string

// Field is one answerable unit inside a section.
type Field struct {
	UID       string    `json:"uid,omitempty"`
	Key       string    `json:"key"`
	Type      Type      `json:"type"`
	Label     string    `json:"label,omitempty"`
	Question  string    `json:"question,omitempty"`
	Help      string    `json:"help,omitempty"`
	Required  bool      `json:"required,omitempty"`
	Options   []string  `json:"options,omitempty"`
	Columns   []string  `json:"columns,omitempty"`
	Fields    []Field   `json:"fields,omitempty"`
	Answer    any       `json:"answer"`
	VisibleIf VisibleIf `json:"visibleIf,omitempty"`
	Scope     string    `json:"scope,omitempty"`
}

// DisplayLabel returns the label, falling back to the question text and then the key.
func (f Field) DisplayLabel() string {
	for _, candidate := range []string{f.Label, f.Question, f.Key} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return ""
}

// Displayable reports whether the field may ever be shown or exported.
func (f Field) Displayable() bool {
	return f.Key != DocumentationReminderKey
}

// Clone returns a deep copy of f so later edits never alias the original.
func (f Field) Clone() Field {
	out := f
	out.Options = cloneStrings(f.Options)
	out.Columns = cloneStrings(f.Columns)
	if f.Fields != nil {
		out.Fields = make([]Field, len(f.Fields))
		for i, child := range f.Fields {
			out.Fields[i] = child.Clone()
		}
	}
	out.Answer = cloneAnswer(f.Answer)
	if f.VisibleIf != nil {
		out.VisibleIf = make(VisibleIf, len(f.VisibleIf))
		for k, v := range f.VisibleIf {
			out.VisibleIf[k] = v
		}
	}
	return out
}

// DefaultAnswer returns the zero answer for a type.
func DefaultAnswer(t Type, columns []string) any {
	switch NormalizeType(string(t)) {
	case TypeCheckbox:
		return false
	case TypeMultiselect:
		return []string{}
	case TypeTable:
		if len(columns) == 0 {
			return []Row{}
		}
		return []Row{blankRow(columns)}
	case TypeGroup:
		return map[string]bool{}
	default:
		return ""
	}
}

// StringsOf coerces a multiselect-style answer ([]string or []any) to strings.
func StringsOf(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				s = stringify(item)
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// BoolMapOf coerces a group answer (map[string]bool or map[string]any) to booleans.
func BoolMapOf(value any) (map[string]bool, bool) {
	switch v := value.(type) {
	case map[string]bool:
		return v, true
	case map[string]any:
		out := make(map[string]bool, len(v))
		for key, item := range v {
			out[key] = truthy(item)
		}
		return out, true
	default:
		return nil, false
	}
}

// RowsOf coerces a table answer ([]Row, []map[string]string or []any) to rows.
func RowsOf(value any) ([]Row, bool) {
	switch v := value.(type) {
	case []Row:
		return v, true
	case []map[string]string:
		out := make([]Row, len(v))
		for i, row := range v {
			out[i] = Row(row)
		}
		return out, true
	case []any:
		out := make([]Row, 0, len(v))
		for _, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			row := make(Row, len(record))
			for key, cell := range record {
				row[key] = stringify(cell)
			}
			out = append(out, row)
		}
		return out, true
	default:
		return nil, false
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneAnswer(value any) any {
	switch v := value.(type) {
	case []string:
		return cloneStrings(v)
	case []Row:
		return cloneRows(v)
	case map[string]bool:
		out := make(map[string]bool, len(v))
		for key, item := range v {
			out[key] = item
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneAnswer(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneAnswer(item)
		}
		return out
	default:
		return value
	}
}
