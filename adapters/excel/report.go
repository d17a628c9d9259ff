package excel

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/xuri/excelize/v2"

	"datacard/domain/card"
	"datacard/internal"
)

const (
	summarySheet = "Summary"
	maxSheetName = 31
)

var (
	summaryHeaders = []interface{}{"Channel", "Processes", "Nuisances", "Expected", "Observed", "Pseudodata", "Lumi"}
	yieldHeaders   = []interface{}{"Process", "Members", "Yield", "Stat. unc.", "Unconstrained"}
	impactHeaders  = []interface{}{"Nuisance", "Process", "Max rel. shift", "Median rel. shift"}
)

// ReportWriter renders finalized channels into an xlsx workbook: a summary
// sheet plus one sheet per channel with yields and nuisance impacts
type ReportWriter struct {
	config ReportConfig
	log    *internal.Logger
}

// NewReportWriter creates a report writer
func NewReportWriter(config ReportConfig, log *internal.Logger) *ReportWriter {
	return &ReportWriter{config: config, log: log.Named("excel")}
}

// WriteReport writes the workbook to path
func (w *ReportWriter) WriteReport(ctx context.Context, path string, results ...*card.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to rename summary sheet: %w", err)
	}
	if err := writeRow(f, summarySheet, 1, summaryHeaders, header); err != nil {
		return err
	}

	for i, r := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		var expected float64
		for _, p := range r.Processes {
			expected += r.Yield(p)
		}
		observed, _ := r.Data.Sum()
		row := []interface{}{r.Channel.String(), len(r.Processes), len(r.Nuisances), expected, observed, r.Pseudodata, r.Lumi}
		if err := writeRow(f, summarySheet, i+2, row, 0); err != nil {
			return err
		}
		if err := w.writeChannel(f, r, header); err != nil {
			return fmt.Errorf("channel %s: %w", r.Channel, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	w.log.Info("wrote report %s for %d channels", path, len(results))
	return nil
}

func (w *ReportWriter) writeChannel(f *excelize.File, r *card.Result, header int) error {
	sheet := sheetName(r.Channel.String())
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := writeRow(f, sheet, 1, yieldHeaders, header); err != nil {
		return err
	}
	line := 2
	for _, p := range r.Processes {
		_, variance := r.Nominal[p].Sum()
		row := []interface{}{p, strings.Join(r.Members[p], ","), r.Yield(p), math.Sqrt(variance), contains(r.Unconstrained, p)}
		if err := writeRow(f, sheet, line, row, 0); err != nil {
			return err
		}
		line++
	}
	observed, _ := r.Data.Sum()
	if err := writeRow(f, sheet, line, []interface{}{"data_obs", "", observed, math.Sqrt(observed), false}, 0); err != nil {
		return err
	}

	line += 2
	if err := writeRow(f, sheet, line, impactHeaders, header); err != nil {
		return err
	}
	shown := 0
	for _, imp := range r.Impacts() {
		if imp.MaxRel < w.config.MinImpact {
			continue
		}
		line++
		shown++
		if err := writeRow(f, sheet, line, []interface{}{imp.Nuisance, imp.Process, imp.MaxRel, imp.MedianRel}, 0); err != nil {
			return err
		}
	}
	w.log.Debug("sheet %s: %d processes, %d impact rows", sheet, len(r.Processes), shown)
	return f.SetColWidth(sheet, "A", "B", 24)
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}, style int) error {
	start, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, start, &values); err != nil {
		return fmt.Errorf("failed to write row %d of %s: %w", row, sheet, err)
	}
	if style == 0 {
		return nil
	}
	end, err := excelize.CoordinatesToCellName(len(values), row)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, start, end, style)
}

// sheetName trims a channel name to the xlsx sheet name limit
func sheetName(channel string) string {
	if len(channel) > maxSheetName {
		return channel[:maxSheetName]
	}
	return channel
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
