package form

import (
	"errors"
	"fmt"
)

// ErrInvalidAnswer is returned when a value does not fit the field's type.
var ErrInvalidAnswer = errors.New("answer does not match field type")

// CoerceAnswer converts value to the canonical answer shape for t. A nil value
// resets the answer to the type's default.
func CoerceAnswer(t Type, columns []string, value any) (any, error) {
	if value == nil {
		return DefaultAnswer(t, columns), nil
	}
	switch NormalizeType(string(t)) {
	case TypeCheckbox:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case TypeNumber, TypeCurrency:
		if s, ok := value.(string); ok {
			return s, nil
		}
		if n, ok := numberOf(value); ok {
			return n, nil
		}
	case TypeMultiselect:
		if list, ok := value.([]any); ok && !allScalar(list) {
			break
		}
		if items, ok := StringsOf(value); ok {
			return cloneStrings(items), nil
		}
	case TypeTable:
		if list, ok := value.([]any); ok && !allObjects(list) {
			break
		}
		if rows, ok := RowsOf(value); ok {
			return cloneRows(rows), nil
		}
	case TypeGroup:
		if m, ok := value.(map[string]any); ok && !allScalar(mapValues(m)) {
			break
		}
		if flags, ok := BoolMapOf(value); ok {
			return cloneAnswer(flags), nil
		}
	default:
		// text, textarea, select and unknown types hold one scalar rendered as text.
		if isScalar(value) {
			return stringify(value), nil
		}
	}
	return nil, fmt.Errorf("%w: %s cannot hold %T", ErrInvalidAnswer, t.EditorType(), value)
}

func isScalar(value any) bool {
	switch value.(type) {
	case string, bool:
		return true
	}
	_, ok := numberOf(value)
	return ok
}

func allScalar(items []any) bool {
	for _, item := range items {
		if !isScalar(item) {
			return false
		}
	}
	return true
}

func allObjects(items []any) bool {
	for _, item := range items {
		if _, ok := item.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func mapValues(m map[string]any) []any {
	out := make([]any, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
