package form

// Table answers are copy-on-write: every helper returns a fresh slice and never
// writes through to rows a caller may still hold.

// AddRow appends a blank row keyed by columns.
func AddRow(rows []Row, columns []string) []Row {
	out := make([]Row, 0, len(rows)+1)
	for _, row := range rows {
		out = append(out, row)
	}
	return append(out, blankRow(columns))
}

// RemoveRow drops the row at index. Out-of-range indexes return an unchanged copy.
func RemoveRow(rows []Row, index int) []Row {
	out := make([]Row, 0, len(rows))
	for i, row := range rows {
		if i == index {
			continue
		}
		out = append(out, row)
	}
	return out
}

// UpdateCell sets one cell, copying the touched row.
func UpdateCell(rows []Row, index int, column, value string) []Row {
	out := make([]Row, len(rows))
	copy(out, rows)
	if index < 0 || index >= len(out) {
		return out
	}
	row := make(Row, len(out[index])+1)
	for key, cell := range out[index] {
		row[key] = cell
	}
	row[column] = value
	out[index] = row
	return out
}

func blankRow(columns []string) Row {
	row := make(Row, len(columns))
	for _, column := range columns {
		row[column] = ""
	}
	return row
}

func cloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		copied := make(Row, len(row))
		for key, cell := range row {
			copied[key] = cell
		}
		out[i] = copied
	}
	return out
}
