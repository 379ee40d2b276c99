// Package report writes per-case result tables as spreadsheets or CSV.
package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"neuroquant/internal/models"
)

// Table is a sheet of rows under named columns. A nil cell is written as
// an empty cell, so failed cases keep their row.
type Table struct {
	Sheet   string
	Columns []string
	Rows    [][]any
}

// NewTable returns an empty table with the given columns
func NewTable(sheet string, columns ...string) *Table {
	return &Table{Sheet: sheet, Columns: columns}
}

// Append adds a row. Short rows are padded with nil cells.
func (t *Table) Append(cells ...any) {
	row := make([]any, len(t.Columns))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

// Write stores the table as .xlsx or .csv depending on the extension.
// The parent directory is created if needed.
func (t *Table) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return models.NewPathError("write", path, err)
	}
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		err = t.writeXLSX(path)
	case ".csv":
		err = t.writeCSV(path)
	default:
		err = fmt.Errorf("%w: unsupported report extension %q", models.ErrConfig, filepath.Ext(path))
	}
	return models.NewPathError("write", path, err)
}

func (t *Table) sheetName() string {
	if t.Sheet == "" {
		return "Sheet1"
	}
	return t.Sheet
}

func (t *Table) writeXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := t.sheetName()
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return err
		}
	}

	for c, name := range t.Columns {
		if err := setCell(f, sheet, c+1, 1, name); err != nil {
			return err
		}
	}
	for r, row := range t.Rows {
		for c, v := range row {
			v = xlsxValue(v)
			if v == nil {
				continue
			}
			if err := setCell(f, sheet, c+1, r+2, v); err != nil {
				return err
			}
		}
	}
	return f.SaveAs(path)
}

func setCell(f *excelize.File, sheet string, col, row int, v any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, v)
}

// xlsxValue maps values a spreadsheet cannot hold to empty cells
func xlsxValue(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case *float64:
		if x == nil {
			return nil
		}
		return xlsxValue(*x)
	}
	return v
}

func (t *Table) writeCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		f.Close()
		return err
	}
	for _, row := range t.Rows {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = Format(v)
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Format renders a cell as text; nil and NaN become empty strings
func Format(v any) string {
	switch x := xlsxValue(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
