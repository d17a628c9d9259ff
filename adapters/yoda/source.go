// Package yoda reads one-dimensional YODA histograms produced by generator-level
// analyses. Files are laid out as <root>/<process>/<name>.yoda and each holds
// a single HISTO1D object.
package yoda

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-hep.org/x/hep/hbook"

	"datacard/adapters/histfile"
	"datacard/domain/hist"
	"datacard/internal"
	apperrors "datacard/internal/errors"
	"datacard/ports"
)

const ext = ".yoda"

// Loader converts YODA files into histograms over a single variable axis
type Loader struct {
	log  *internal.Logger
	axis string
}

// NewLoader creates a loader naming the histogram axis axisName
func NewLoader(log *internal.Logger, axisName string) *Loader {
	return &Loader{log: log.Named("yoda"), axis: axisName}
}

// Load reads every .yoda file below the given roots
func (l *Loader) Load(ctx context.Context, roots ...string) (ports.HistogramSource, error) {
	if len(roots) == 0 {
		return nil, apperrors.InvalidInput("no input directories")
	}
	mem := histfile.NewMemory()
	n := 0
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(path) != ext {
				return nil
			}
			process := filepath.Base(filepath.Dir(path))
			name := strings.TrimSuffix(filepath.Base(path), ext)
			h, err := l.readFile(path, name)
			if err != nil {
				return err
			}
			n++
			return mem.Add(process, name, h)
		})
		if err != nil {
			return nil, apperrors.InputError(root, err)
		}
	}
	if n == 0 {
		return nil, apperrors.InputError(strings.Join(roots, ","), fmt.Errorf("no %s files", ext))
	}
	l.log.Info("loaded %d yoda histograms for %d processes", n, len(mem.Processes()))
	return mem, nil
}

func (l *Loader) readFile(path, name string) (*hist.Histogram, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h1 hbook.H1D
	if err := h1.UnmarshalYODA(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Convert(&h1, l.axis, name)
}

// Convert turns an H1D into a histogram with a variable axis and flow bins.
// Bin contents are the sums of weights, variances the sums of squared weights.
func Convert(h1 *hbook.H1D, axisName, name string) (*hist.Histogram, error) {
	bins := h1.Binning.Bins
	if len(bins) == 0 {
		return nil, fmt.Errorf("histogram %q has no bins", name)
	}
	edges := make([]float64, 0, len(bins)+1)
	for i, b := range bins {
		if i > 0 && b.Range.Min != bins[i-1].Range.Max {
			return nil, fmt.Errorf("histogram %q has a gap at %g", name, bins[i-1].Range.Max)
		}
		edges = append(edges, b.Range.Min)
	}
	edges = append(edges, bins[len(bins)-1].Range.Max)

	under, over := h1.Binning.Outflows[0], h1.Binning.Outflows[1]
	values := make([]float64, 0, len(bins)+2)
	variances := make([]float64, 0, len(bins)+2)
	values = append(values, under.SumW())
	variances = append(variances, under.SumW2())
	for _, b := range bins {
		values = append(values, b.Dist.SumW())
		variances = append(variances, b.Dist.SumW2())
	}
	values = append(values, over.SumW())
	variances = append(variances, over.SumW2())

	return hist.FromFlowArrays(name, []hist.Axis{hist.NewVariable(axisName, edges, true)}, values, variances)
}
