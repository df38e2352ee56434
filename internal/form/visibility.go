package form

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// RequirementKind tags the shape a visibleIf requirement was written in.
type RequirementKind int

const (
	// RequireEquals holds when the answer strictly equals Value.
	RequireEquals RequirementKind = iota
	// RequireOneOf holds when the answer is one of Values.
	RequireOneOf
	// RequireAllOf holds when every condition holds.
	RequireAllOf
)

// Operators understood by Condition.
const (
	OpNotEmpty = "not_empty"
	OpGTE      = ">="
	OpLTE      = "<="
	OpGT       = ">"
	OpLT       = "<"
	OpAny      = "any"
)

// Condition is one operator test inside an all-of requirement.
type Condition struct {
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Requirement is what one referenced answer must satisfy.
type Requirement struct {
	Kind       RequirementKind
	Value      any
	Values     []any
	Conditions []Condition
}

// VisibleIf maps a referenced field key to its requirement. All entries must hold.
type VisibleIf map[string]Requirement

func Equals(value any) Requirement {
	return Requirement{Kind: RequireEquals, Value: value}
}

func OneOf(values ...any) Requirement {
	return Requirement{Kind: RequireOneOf, Values: values}
}

func AllOf(conditions ...Condition) Requirement {
	return Requirement{Kind: RequireAllOf, Conditions: conditions}
}

// ParseRequirement classifies a loosely typed requirement once. A sequence whose
// first element carries an "operator" property is a list of conditions; any
// other sequence is a list of literal values; everything else is a scalar.
func ParseRequirement(raw any) Requirement {
	switch v := raw.(type) {
	case Requirement:
		return v
	case []Condition:
		return AllOf(v...)
	case []string:
		values := make([]any, len(v))
		for i, item := range v {
			values[i] = item
		}
		return OneOf(values...)
	case []any:
		if len(v) > 0 {
			if first, ok := v[0].(map[string]any); ok {
				if _, hasOperator := first["operator"]; hasOperator {
					return AllOf(parseConditions(v)...)
				}
			}
		}
		return OneOf(v...)
	default:
		return Equals(raw)
	}
}

func parseConditions(items []any) []Condition {
	conditions := make([]Condition, 0, len(items))
	for _, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			conditions = append(conditions, Condition{Value: item})
			continue
		}
		operator, _ := record["operator"].(string)
		conditions = append(conditions, Condition{Operator: operator, Value: record["value"]})
	}
	return conditions
}

func (r *Requirement) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ParseRequirement(raw)
	return nil
}

func (r Requirement) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RequireOneOf:
		if r.Values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.Values)
	case RequireAllOf:
		return json.Marshal(r.Conditions)
	default:
		return json.Marshal(r.Value)
	}
}

// unset stands in for an answer that is absent from the answer map.
type unset struct{}

// IsVisible evaluates f.VisibleIf against answers. It never mutates its inputs.
func IsVisible(f Field, answers map[string]any) bool {
	for depKey, requirement := range f.VisibleIf {
		value, ok := answers[depKey]
		if !ok {
			value = unset{}
		}
		if !requirement.Satisfied(value) {
			return false
		}
	}
	return true
}

// Satisfied reports whether value meets the requirement.
func (r Requirement) Satisfied(value any) bool {
	switch r.Kind {
	case RequireOneOf:
		return containsValue(r.Values, value)
	case RequireAllOf:
		for _, condition := range r.Conditions {
			if !condition.Holds(value) {
				return false
			}
		}
		return true
	default:
		return strictEqual(value, r.Value)
	}
}

// Holds evaluates a single condition against value.
func (c Condition) Holds(value any) bool {
	switch c.Operator {
	case OpNotEmpty:
		return notEmpty(value)
	case OpGTE, OpLTE, OpGT, OpLT:
		return compareNumbers(c.Operator, toNumber(value), toNumber(c.Value))
	case OpAny:
		return sharesAny(value, c.Value)
	default:
		if list, ok := listOf(c.Value); ok {
			return containsValue(list, value)
		}
		return strictEqual(value, c.Value)
	}
}

func compareNumbers(operator string, left, right float64) bool {
	if math.IsNaN(left) || math.IsNaN(right) {
		return false
	}
	switch operator {
	case OpGTE:
		return left >= right
	case OpLTE:
		return left <= right
	case OpGT:
		return left > right
	default:
		return left < right
	}
}

func sharesAny(value, wanted any) bool {
	candidates, _ := listOf(wanted)
	if list, ok := listOf(value); ok {
		for _, item := range list {
			if containsValue(candidates, item) {
				return true
			}
		}
		return false
	}
	switch v := value.(type) {
	case map[string]bool:
		for key, checked := range v {
			if checked && containsValue(candidates, key) {
				return true
			}
		}
	case map[string]any:
		for key, checked := range v {
			if truthy(checked) && containsValue(candidates, key) {
				return true
			}
		}
	}
	return false
}

func notEmpty(value any) bool {
	switch v := value.(type) {
	case nil, unset:
		return false
	case map[string]bool:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	if list, ok := listOf(value); ok {
		return len(list) > 0
	}
	if rows, ok := value.([]Row); ok {
		return len(rows) > 0
	}
	return strings.TrimSpace(stringify(value)) != ""
}

func listOf(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

func containsValue(list []any, value any) bool {
	for _, item := range list {
		if strictEqual(item, value) {
			return true
		}
	}
	return false
}

// strictEqual compares scalars by value and treats composite values as never equal.
func strictEqual(a, b any) bool {
	if _, missing := a.(unset); missing {
		return false
	}
	if _, missing := b.(unset); missing {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if left, ok := numberOf(a); ok {
		right, ok := numberOf(b)
		return ok && left == right
	}
	switch left := a.(type) {
	case string:
		right, ok := b.(string)
		return ok && left == right
	case bool:
		right, ok := b.(bool)
		return ok && left == right
	}
	return false
}

func numberOf(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// toNumber coerces an answer for numeric comparison; missing values are 0.
func toNumber(value any) float64 {
	if n, ok := numberOf(value); ok {
		return n
	}
	switch v := value.(type) {
	case nil, unset:
		return 0
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return parsed
	default:
		return math.NaN()
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil, unset:
		return false
	case bool:
		return v
	case string:
		return v != ""
	}
	if n, ok := numberOf(value); ok {
		return n != 0 && !math.IsNaN(n)
	}
	return true
}
