// Package sheet moves count sheets in and out of spreadsheets. Imported
// values land in the session's edit buffer and are never committed here.
package sheet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Bruce-k901/My-App-sub012/internal/stockcount"
	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Count"

var headers = []string{"Item ID", "Library", "Item", "Unit", "Expected", "Counted"}

// Export writes the items of section (all sections when empty) in canonical
// order. The Counted column holds the effective value, pending edits included.
func Export(w io.Writer, session *stockcount.Session, ordering stockcount.Ordering, section string) error {
	file := excelize.NewFile()
	defer func() { _ = file.Close() }()

	if err := file.SetSheetName(file.GetSheetName(0), sheetName); err != nil {
		return err
	}
	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := file.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}
	bold, err := file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := file.SetCellStyle(sheetName, "A1", "F1", bold); err != nil {
		return err
	}
	if err := file.SetColWidth(sheetName, "C", "C", 32); err != nil {
		return err
	}

	for i, item := range session.Navigator(ordering, section).View() {
		expected := ""
		if item.TheoreticalClosing != nil {
			expected = strconv.FormatFloat(*item.TheoreticalClosing, 'f', -1, 64)
		}
		row := []any{item.ID, item.Library, item.Name, item.Unit, expected, session.EffectiveValue(item.ID)}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := file.SetSheetRow(sheetName, cell, &row); err != nil {
			return err
		}
	}
	return file.Write(w)
}

// Entry is one counted value read from a spreadsheet row.
type Entry struct {
	Row    int
	ItemID string
	Value  string
}

// Import reads item id / counted pairs. Rows without an item id or with a
// blank counted cell are ignored.
func Import(r io.Reader, filename string) ([]Entry, error) {
	rows, err := readRowsFromSpreadsheet(r, filename)
	if err != nil {
		return nil, err
	}

	headerIndex := map[string]int{}
	for i, header := range rows[0] {
		headerIndex[normalizeHeader(header)] = i
	}
	idIdx, ok := headerIndex["item id"]
	if !ok {
		return nil, fmt.Errorf("missing required column: item id")
	}
	countedIdx, ok := headerIndex["counted"]
	if !ok {
		return nil, fmt.Errorf("missing required column: counted")
	}

	var entries []Entry
	for i, row := range rows[1:] {
		id := cellValue(row, idIdx)
		value := cellValue(row, countedIdx)
		if id == "" || value == "" {
			continue
		}
		entries = append(entries, Entry{Row: i + 2, ItemID: id, Value: value})
	}
	return entries, nil
}

// ApplyResult reports how imported entries were buffered.
type ApplyResult struct {
	Applied int
	Unknown []string
}

// Apply feeds entries into the session's edit buffer. Ids outside the count
// are collected rather than failing the import.
func Apply(session *stockcount.Session, entries []Entry) (ApplyResult, error) {
	var result ApplyResult
	for _, e := range entries {
		err := session.SetPendingValue(e.ItemID, e.Value)
		switch {
		case err == nil:
			result.Applied++
		case errors.Is(err, stockcount.ErrUnknownItem):
			result.Unknown = append(result.Unknown, e.ItemID)
		default:
			return result, fmt.Errorf("row %d: %w", e.Row, err)
		}
	}
	return result, nil
}

// A count sheet must be the only worksheet; xls reads merge every sheet.
var errMultipleSheets = errors.New("multiple worksheets found; upload a file with a single sheet")

func readRowsFromSpreadsheet(reader io.Reader, filename string) ([][]string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xls":
		workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, err
		}
		if workbook.NumSheets() == 0 {
			return nil, fmt.Errorf("no worksheet found")
		}
		if workbook.NumSheets() > 1 {
			return nil, errMultipleSheets
		}
		rows := workbook.ReadAllCells(100000)
		if len(rows) == 0 {
			return nil, fmt.Errorf("worksheet is empty")
		}
		return rows, nil
	default:
		file, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = file.Close() }()

		if len(file.GetSheetList()) > 1 {
			return nil, errMultipleSheets
		}
		name := file.GetSheetName(0)
		if name == "" {
			return nil, fmt.Errorf("no worksheet found")
		}
		rows, err := file.GetRows(name)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("worksheet is empty")
		}
		return rows, nil
	}
}

func normalizeHeader(header string) string {
	return strings.ToLower(strings.TrimSpace(header))
}

func cellValue(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
