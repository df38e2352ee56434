package form

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExportRow is one flattened (section, label, answer) triple handed to renderers.
type ExportRow struct {
	Section string `json:"section"`
	Label   string `json:"label"`
	Answer  string `json:"answer"`
}

// ExportRows flattens the visible, displayable fields of one section.
func ExportRows(sectionTitle string, fields []Field, answers map[string]any) []ExportRow {
	rows := make([]ExportRow, 0, len(fields))
	for _, field := range fields {
		if !field.Displayable() || !IsVisible(field, answers) {
			continue
		}
		rows = append(rows, ExportRow{
			Section: sectionTitle,
			Label:   field.DisplayLabel(),
			Answer:  RenderableAnswer(field),
		})
	}
	return rows
}

// RenderableAnswer renders a field's answer as display text.
func RenderableAnswer(f Field) string {
	switch NormalizeType(string(f.Type)) {
	case TypeMultiselect:
		selected, _ := StringsOf(f.Answer)
		if len(selected) == 0 {
			return "-"
		}
		return strings.Join(selected, ", ")
	case TypeTable:
		rows, _ := RowsOf(f.Answer)
		rendered := make([]string, 0, len(rows))
		for _, row := range rows {
			rendered = append(rendered, renderRow(row, f.Columns))
		}
		return strings.Join(rendered, "  /  ")
	case TypeGroup:
		checked, _ := BoolMapOf(f.Answer)
		labels := make([]string, 0, len(f.Fields))
		for _, child := range f.Fields {
			if !checked[child.Key] {
				continue
			}
			label := child.Label
			if strings.TrimSpace(label) == "" {
				label = child.Key
			}
			labels = append(labels, label)
		}
		return strings.Join(labels, ", ")
	case TypeCheckbox:
		if truthy(f.Answer) {
			return "Yes"
		}
		return "No"
	default:
		return stringify(f.Answer)
	}
}

func renderRow(row Row, columns []string) string {
	if len(columns) == 0 {
		columns = sortedColumns(row)
	}
	cells := make([]string, len(columns))
	for i, column := range columns {
		cells[i] = row[column]
	}
	return strings.Join(cells, " | ")
}

func sortedColumns(row Row) []string {
	columns := make([]string, 0, len(row))
	for column := range row {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// stringify is the plain string form of an answer; nil renders as "".
func stringify(value any) string {
	switch v := value.(type) {
	case nil, unset:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}
