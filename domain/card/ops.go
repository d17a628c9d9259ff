package card

import (
	"fmt"

	"datacard/domain/core"
	"datacard/domain/hist"
)

// HistOp is a channel-wide transform applied to every histogram read from the
// source, before projection onto the fit axes. Histograms without the axis
// pass through unchanged.
type HistOp struct {
	Kind   string    `yaml:"kind"`
	Axis   string    `yaml:"axis"`
	Edges  []float64 `yaml:"edges,omitempty"`
	Factor int       `yaml:"factor,omitempty"`
	Lo     float64   `yaml:"lo,omitempty"`
	Hi     float64   `yaml:"hi,omitempty"`
	Label  string    `yaml:"label,omitempty"`
}

func (o HistOp) validate() error {
	if o.Axis == "" {
		return core.NewConfigError("op", "axis cannot be empty")
	}
	switch o.Kind {
	case "rebin":
		if len(o.Edges) < 2 {
			return core.NewConfigError("op", "rebin needs at least two edges")
		}
	case "rebinFactor":
		if o.Factor < 1 {
			return core.NewConfigError("op", fmt.Sprintf("rebin factor %d", o.Factor))
		}
	case "slice":
		if !(o.Hi > o.Lo) {
			return core.NewConfigError("op", fmt.Sprintf("empty slice [%g, %g)", o.Lo, o.Hi))
		}
	case "select":
		if o.Label == "" {
			return core.NewConfigError("op", "select needs a label")
		}
	case "sum":
	default:
		return core.NewConfigError("op", fmt.Sprintf("unknown kind %q", o.Kind))
	}
	return nil
}

// Apply runs the op on h
func (o HistOp) Apply(h *hist.Histogram, w hist.Warner) (*hist.Histogram, error) {
	if !h.HasAxis(o.Axis) {
		return h, nil
	}
	switch o.Kind {
	case "rebin":
		return hist.Rebin(h, o.Axis, o.Edges, w)
	case "rebinFactor":
		return hist.RebinFactor(h, o.Axis, o.Factor, w)
	case "slice":
		return hist.Slice(h, o.Axis, o.Lo, o.Hi, w)
	case "select":
		return hist.SelectLabel(h, o.Axis, o.Label)
	case "sum":
		return hist.SumAxes(h, o.Axis)
	}
	return nil, core.NewConfigError("op", fmt.Sprintf("unknown kind %q", o.Kind))
}
