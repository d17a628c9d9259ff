package ports

import (
	"context"

	"datacard/domain/hist"
)

// HistogramSource provides the materialized histograms of the external
// event-processing runtime, keyed by (process, histogram name)
type HistogramSource interface {
	// Histogram returns one histogram; missing entries wrap core.ErrNotFound
	Histogram(process, name string) (*hist.Histogram, error)

	// Processes lists the processes the source knows about, in a stable order
	Processes() []string
}

// SourceLoader opens histogram sources from files
type SourceLoader interface {
	Load(ctx context.Context, paths ...string) (HistogramSource, error)
}
