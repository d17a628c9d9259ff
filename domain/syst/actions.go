package syst

import (
	"fmt"

	"datacard/domain/core"
	"datacard/domain/hist"
)

// Input is what an action sees for one fit process: the summed read histogram
// (already projected onto the fit and systematic axes it carries) and the
// process nominal over the fit axes.
type Input struct {
	Read    *hist.Histogram
	Nominal *hist.Histogram
}

// Action turns the read histogram into the variation histogram. Axes an action
// addresses must be fit or systematic axes of the definition.
type Action interface {
	Kind() string
	Apply(in Input) (*hist.Histogram, error)
}

// Identity passes the read histogram through
type Identity struct{}

func (Identity) Kind() string                            { return "identity" }
func (Identity) Apply(in Input) (*hist.Histogram, error) { return in.Read, nil }

// SelectCategories keeps some categories of a systematic axis
type SelectCategories struct {
	Axis   string
	Labels []string
}

func (SelectCategories) Kind() string { return "select" }

func (a SelectCategories) Apply(in Input) (*hist.Histogram, error) {
	return hist.SelectCategories(in.Read, a.Axis, a.Labels)
}

// Decorrelate splits the shift from nominal into independent pieces per range
// of a fit axis, stacked along NewAxis
type Decorrelate struct {
	Axis    string
	Edges   []float64
	NewAxis string
}

func (Decorrelate) Kind() string { return "decorrelate" }

func (a Decorrelate) Apply(in Input) (*hist.Histogram, error) {
	return shiftAround(in, func(diff *hist.Histogram) (*hist.Histogram, error) {
		return hist.DecorrelateByAxis(diff, a.Axis, a.Edges, a.NewAxis)
	})
}

// ExpandDuplicate gives every bin of the listed axes its own nuisance
type ExpandDuplicate struct {
	Axes     []string
	NewNames []string
}

func (ExpandDuplicate) Kind() string { return "expand" }

func (a ExpandDuplicate) Apply(in Input) (*hist.Histogram, error) {
	return shiftAround(in, func(diff *hist.Histogram) (*hist.Histogram, error) {
		return hist.ExpandByDuplicateAxes(diff, a.Axes, a.NewNames)
	})
}

// SwapBins exchanges two categories of Axis inside the selected bins of
// TargetAxis
type SwapBins struct {
	Axis       string
	LabelA     string
	LabelB     string
	TargetAxis string
	Target     hist.BinRange
}

func (SwapBins) Kind() string { return "swap" }

func (a SwapBins) Apply(in Input) (*hist.Histogram, error) {
	return hist.SwapBins(in.Read, a.Axis, a.LabelA, a.LabelB, a.TargetAxis, a.Target)
}

// ActionFunc adapts a plain function. Anything it captures must be captured
// by value.
type ActionFunc func(in Input) (*hist.Histogram, error)

func (ActionFunc) Kind() string                              { return "func" }
func (f ActionFunc) Apply(in Input) (*hist.Histogram, error) { return f(in) }

// shiftAround applies fn to (read - nominal) and adds the nominal back on every
// slab of the result, so masked-out regions equal the nominal.
func shiftAround(in Input, fn func(*hist.Histogram) (*hist.Histogram, error)) (*hist.Histogram, error) {
	nom, err := broadcastLike(in.Nominal, in.Read)
	if err != nil {
		return nil, err
	}
	diff, err := hist.Add(in.Read, nom, -1)
	if err != nil {
		return nil, err
	}
	shifted, err := fn(diff)
	if err != nil {
		return nil, err
	}
	base, err := broadcastLike(nom, shifted)
	if err != nil {
		return nil, err
	}
	return hist.Add(shifted, base, 1)
}

// broadcastLike repeats h along every axis of like that h lacks
func broadcastLike(h, like *hist.Histogram) (*hist.Histogram, error) {
	out := h
	for _, a := range like.Axes() {
		if out.HasAxis(a.Name) {
			continue
		}
		var err error
		if out, err = hist.Broadcast(out, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ActionSpec is the declarative form of an action
type ActionSpec struct {
	Kind        string    `yaml:"kind" json:"kind"`
	Axis        string    `yaml:"axis,omitempty" json:"axis,omitempty"`
	Labels      []string  `yaml:"labels,omitempty" json:"labels,omitempty"`
	Edges       []float64 `yaml:"edges,omitempty" json:"edges,omitempty"`
	NewAxis     string    `yaml:"newAxis,omitempty" json:"newAxis,omitempty"`
	Axes        []string  `yaml:"axes,omitempty" json:"axes,omitempty"`
	NewNames    []string  `yaml:"newNames,omitempty" json:"newNames,omitempty"`
	LabelA      string    `yaml:"labelA,omitempty" json:"labelA,omitempty"`
	LabelB      string    `yaml:"labelB,omitempty" json:"labelB,omitempty"`
	TargetAxis  string    `yaml:"targetAxis,omitempty" json:"targetAxis,omitempty"`
	TargetStart *int      `yaml:"targetStart,omitempty" json:"targetStart,omitempty"`
	TargetStop  *int      `yaml:"targetStop,omitempty" json:"targetStop,omitempty"`
}

// ActionFromSpec builds the action named by spec.Kind
func ActionFromSpec(spec ActionSpec) (Action, error) {
	switch spec.Kind {
	case "", "identity":
		return Identity{}, nil
	case "select":
		if spec.Axis == "" || len(spec.Labels) == 0 {
			return nil, fmt.Errorf("%w: select needs axis and labels", core.ErrUnknownAction)
		}
		return SelectCategories{Axis: spec.Axis, Labels: spec.Labels}, nil
	case "decorrelate":
		if spec.Axis == "" || spec.NewAxis == "" {
			return nil, fmt.Errorf("%w: decorrelate needs axis and newAxis", core.ErrUnknownAction)
		}
		return Decorrelate{Axis: spec.Axis, Edges: spec.Edges, NewAxis: spec.NewAxis}, nil
	case "expand":
		if len(spec.Axes) == 0 || len(spec.Axes) != len(spec.NewNames) {
			return nil, fmt.Errorf("%w: expand needs matching axes and newNames", core.ErrUnknownAction)
		}
		return ExpandDuplicate{Axes: spec.Axes, NewNames: spec.NewNames}, nil
	case "swap":
		if spec.Axis == "" || spec.TargetAxis == "" {
			return nil, fmt.Errorf("%w: swap needs axis and targetAxis", core.ErrUnknownAction)
		}
		target := hist.BinRange{Start: 0, Stop: int(^uint(0) >> 1)}
		if spec.TargetStart != nil {
			target.Start = *spec.TargetStart
		}
		if spec.TargetStop != nil {
			target.Stop = *spec.TargetStop
		}
		return SwapBins{Axis: spec.Axis, LabelA: spec.LabelA, LabelB: spec.LabelB, TargetAxis: spec.TargetAxis, Target: target}, nil
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownAction, spec.Kind)
	}
}
