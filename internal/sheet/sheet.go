// Package sheet reads contact spreadsheets. Only the first worksheet is
// considered; its first row is the header and every following row becomes
// a record keyed by column name.
package sheet

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row is one spreadsheet record. Numeric cells carry their formatted
// string value, which is what templates and phone parsing expect.
type Row map[string]string

// Sheet is the parsed first worksheet of a contact file.
type Sheet struct {
	Columns []string
	Rows    []Row
}

// HasColumn reports whether the header contains the named column.
func (s *Sheet) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Read parses the first worksheet of the file at path.
func Read(path string) (*Sheet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet %s has no worksheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return &Sheet{}, nil
	}

	header := rows[0]
	out := &Sheet{Columns: header}
	for _, cells := range rows[1:] {
		if isEmpty(cells) {
			continue
		}
		rec := make(Row, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			if i < len(cells) {
				rec[col] = cells[i]
			} else {
				rec[col] = ""
			}
		}
		out.Rows = append(out.Rows, rec)
	}
	return out, nil
}

// Preview returns the first record of the file, or nil when the sheet
// holds no data rows.
func Preview(path string) (Row, error) {
	s, err := Read(path)
	if err != nil {
		return nil, err
	}
	if len(s.Rows) == 0 {
		return nil, nil
	}
	return s.Rows[0], nil
}

func isEmpty(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
