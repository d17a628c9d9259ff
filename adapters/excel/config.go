package excel

// ReportConfig holds configuration for the yields workbook
type ReportConfig struct {
	FilePath string `yaml:"file_path" json:"file_path"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	// MinImpact hides impact rows whose largest relative shift is below it
	MinImpact float64 `yaml:"min_impact" json:"min_impact"`
}

// DefaultReportConfig returns sensible defaults for the workbook
func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		MinImpact: 0,
		Enabled:   false,
	}
}
