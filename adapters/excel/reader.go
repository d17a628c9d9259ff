package excel

import (
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
)

// ReportReader reads tables back from a report workbook
type ReportReader struct {
	filePath string
}

// NewReportReader creates a reader for the workbook at filePath
func NewReportReader(filePath string) *ReportReader {
	return &ReportReader{filePath: filePath}
}

// Sheets lists the sheet names in workbook order
func (r *ReportReader) Sheets() ([]string, error) {
	f, err := r.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

// ReadTable reads the table starting at the first row of sheet. The table ends
// at the first empty row.
func (r *ReportReader) ReadTable(sheet string) (*SheetData, error) {
	f, err := r.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s is empty", sheet)
	}
	data := &SheetData{Headers: rows[0]}
	for _, row := range rows[1:] {
		if len(row) == 0 {
			break
		}
		rec := make(RawRowData, len(data.Headers))
		for i, h := range data.Headers {
			if i < len(row) {
				rec[h] = row[i]
			}
		}
		data.Rows = append(data.Rows, rec)
	}
	return data, nil
}

func (r *ReportReader) open() (*excelize.File, error) {
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("XLSX file not found: %s", r.filePath)
	}
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	return f, nil
}
