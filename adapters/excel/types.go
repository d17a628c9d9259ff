package excel

// RawRowData represents a row of a sheet as header → cell text
type RawRowData map[string]string

// SheetData represents one table read back from a workbook
type SheetData struct {
	Headers []string     // Column headers
	Rows    []RawRowData // Data rows
}
