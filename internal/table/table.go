// Package table holds a parsed PUMS CSV file in memory.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Table is a header plus string-valued rows. PUMS files are wide (200+
// columns) and mixed-type, so values stay as text until a caller needs them.
type Table struct {
	Header []string
	Rows   [][]string

	index map[string]int
}

// Parse reads a delimited file with a header row. Every record must have as
// many fields as the header.
func Parse(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty CSV: no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	t := &Table{Header: header, index: make(map[string]int, len(header))}
	for i, name := range header {
		if _, dup := t.index[name]; !dup {
			t.index[name] = i
		}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", len(t.Rows)+2, err)
		}
		t.Rows = append(t.Rows, record)
	}

	return t, nil
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of a column, or -1
func (t *Table) ColumnIndex(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Column returns every value of the named column
func (t *Table) Column(name string) ([]string, error) {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("no column %q", name)
	}
	values := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		values[r] = row[i]
	}
	return values, nil
}

// Head returns a table with at most the first n rows, sharing storage
func (t *Table) Head(n int) *Table {
	if n < 0 || n > len(t.Rows) {
		n = len(t.Rows)
	}
	return &Table{Header: t.Header, Rows: t.Rows[:n], index: t.index}
}
