// Package hist implements multi-dimensional weighted histograms addressed by
// named axes, and the algebra the systematic registry builds on.
//
// Storage is a flat row-major buffer over every axis extent (flow bins
// included), holding the sum of weights and the sum of squared weights per
// bin. Operations never modify their inputs; the only in-place methods are Set
// (construction) and Accumulate (moment accumulation across datasets).
package hist

import (
	"fmt"

	"datacard/domain/core"
)

// Histogram is an N-dimensional weighted histogram
type Histogram struct {
	name      string
	axes      []Axis
	strides   []int
	values    []float64
	variances []float64
}

// New creates an empty histogram over the given axes
func New(name string, axes ...Axis) (*Histogram, error) {
	if len(axes) == 0 {
		return nil, core.NewAxisMismatchError("", "histogram needs at least one axis")
	}
	seen := make(map[string]bool, len(axes))
	cloned := make([]Axis, len(axes))
	for i, a := range axes {
		if err := a.validate(); err != nil {
			return nil, err
		}
		if seen[a.Name] {
			return nil, core.NewAxisMismatchError(a.Name, "duplicate axis name")
		}
		seen[a.Name] = true
		cloned[i] = a.clone()
	}
	h := &Histogram{name: name, axes: cloned}
	h.strides = computeStrides(cloned)
	n := 1
	for _, a := range cloned {
		n *= a.Extent()
	}
	h.values = make([]float64, n)
	h.variances = make([]float64, n)
	return h, nil
}

// MustNew is New for statically known axes; it panics on invalid axes
func MustNew(name string, axes ...Axis) *Histogram {
	h, err := New(name, axes...)
	if err != nil {
		panic(err)
	}
	return h
}

// FromFlowArrays creates a histogram from flow-inclusive row-major arrays.
// A nil variances slice means zero variance everywhere.
func FromFlowArrays(name string, axes []Axis, values, variances []float64) (*Histogram, error) {
	h, err := New(name, axes...)
	if err != nil {
		return nil, err
	}
	if len(values) != len(h.values) {
		return nil, core.NewAxisMismatchError("", fmt.Sprintf("expected %d values (flow included), got %d", len(h.values), len(values)))
	}
	copy(h.values, values)
	if variances != nil {
		if len(variances) != len(h.variances) {
			return nil, core.NewAxisMismatchError("", fmt.Sprintf("expected %d variances (flow included), got %d", len(h.variances), len(variances)))
		}
		copy(h.variances, variances)
	}
	return h, nil
}

// FromArrays creates a histogram from in-range row-major arrays; flow bins
// start empty. A nil variances slice means zero variance everywhere.
func FromArrays(name string, axes []Axis, values, variances []float64) (*Histogram, error) {
	h, err := New(name, axes...)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, a := range h.axes {
		n *= a.Size()
	}
	if len(values) != n {
		return nil, core.NewAxisMismatchError("", fmt.Sprintf("expected %d in-range values, got %d", n, len(values)))
	}
	if variances != nil && len(variances) != n {
		return nil, core.NewAxisMismatchError("", fmt.Sprintf("expected %d in-range variances, got %d", n, len(variances)))
	}
	k := 0
	idx := make([]int, len(h.axes))
	forEachInRange(h.axes, idx, func() {
		flat := h.flatInRange(idx)
		h.values[flat] = values[k]
		if variances != nil {
			h.variances[flat] = variances[k]
		}
		k++
	})
	return h, nil
}

// Name returns the histogram name
func (h *Histogram) Name() string { return h.name }

// WithName returns a copy carrying a different name
func (h *Histogram) WithName(name string) *Histogram {
	out := h.Clone()
	out.name = name
	return out
}

// Clone returns a deep copy
func (h *Histogram) Clone() *Histogram {
	axes := make([]Axis, len(h.axes))
	for i, a := range h.axes {
		axes[i] = a.clone()
	}
	return &Histogram{
		name:      h.name,
		axes:      axes,
		strides:   append([]int(nil), h.strides...),
		values:    append([]float64(nil), h.values...),
		variances: append([]float64(nil), h.variances...),
	}
}

// Rank is the number of axes
func (h *Histogram) Rank() int { return len(h.axes) }

// Axes returns a copy of the axes in storage order
func (h *Histogram) Axes() []Axis {
	out := make([]Axis, len(h.axes))
	for i, a := range h.axes {
		out[i] = a.clone()
	}
	return out
}

// AxisNames returns the axis names in storage order
func (h *Histogram) AxisNames() []string {
	names := make([]string, len(h.axes))
	for i, a := range h.axes {
		names[i] = a.Name
	}
	return names
}

// Axis looks up an axis by name
func (h *Histogram) Axis(name string) (Axis, int, bool) {
	for i, a := range h.axes {
		if a.Name == name {
			return a.clone(), i, true
		}
	}
	return Axis{}, -1, false
}

// HasAxis reports whether an axis with this name exists
func (h *Histogram) HasAxis(name string) bool {
	_, _, ok := h.Axis(name)
	return ok
}

func (h *Histogram) mustAxis(name string) (Axis, int, error) {
	a, i, ok := h.Axis(name)
	if !ok {
		return Axis{}, -1, fmt.Errorf("%w %q in histogram %q", core.ErrUnknownAxis, name, h.name)
	}
	return a, i, nil
}

// Len is the number of stored bins, flow included
func (h *Histogram) Len() int { return len(h.values) }

// Values returns a copy of the flow-inclusive sums of weights
func (h *Histogram) Values() []float64 { return append([]float64(nil), h.values...) }

// Variances returns a copy of the flow-inclusive sums of squared weights
func (h *Histogram) Variances() []float64 { return append([]float64(nil), h.variances...) }

// InRangeValues returns the sums of weights without flow bins, row-major
func (h *Histogram) InRangeValues() []float64 {
	return h.inRange(h.values)
}

// InRangeVariances returns the variances without flow bins, row-major
func (h *Histogram) InRangeVariances() []float64 {
	return h.inRange(h.variances)
}

func (h *Histogram) inRange(src []float64) []float64 {
	n := 1
	for _, a := range h.axes {
		n *= a.Size()
	}
	out := make([]float64, 0, n)
	idx := make([]int, len(h.axes))
	forEachInRange(h.axes, idx, func() {
		out = append(out, src[h.flatInRange(idx)])
	})
	return out
}

// At returns value and variance at in-range indices; -1 addresses the
// underflow bin and Size() the overflow bin of numeric axes with flow.
func (h *Histogram) At(idx ...int) (float64, float64, error) {
	flat, err := h.flatChecked(idx)
	if err != nil {
		return 0, 0, err
	}
	return h.values[flat], h.variances[flat], nil
}

// Set writes one bin in place. It exists for constructing histograms and must
// not be used on a histogram that has been handed to another component.
func (h *Histogram) Set(value, variance float64, idx ...int) error {
	flat, err := h.flatChecked(idx)
	if err != nil {
		return err
	}
	h.values[flat] = value
	h.variances[flat] = variance
	return nil
}

// Sum returns the total sum of weights and variance, flow included
func (h *Histogram) Sum() (float64, float64) {
	var v, w float64
	for i := range h.values {
		v += h.values[i]
		w += h.variances[i]
	}
	return v, w
}

// String is a short description for logs
func (h *Histogram) String() string {
	total, _ := h.Sum()
	return fmt.Sprintf("%s%v(sum=%g)", h.name, h.AxisNames(), total)
}

func (h *Histogram) flatChecked(idx []int) (int, error) {
	if len(idx) != len(h.axes) {
		return 0, fmt.Errorf("%w: expected %d indices, got %d", core.ErrBinRange, len(h.axes), len(idx))
	}
	flat := 0
	for k, a := range h.axes {
		p := a.raw(idx[k])
		if p < 0 || p >= a.Extent() {
			return 0, fmt.Errorf("%w: index %d on axis %q", core.ErrBinRange, idx[k], a.Name)
		}
		flat += p * h.strides[k]
	}
	return flat, nil
}

func (h *Histogram) flatInRange(idx []int) int {
	flat := 0
	for k, a := range h.axes {
		flat += a.raw(idx[k]) * h.strides[k]
	}
	return flat
}

func (h *Histogram) flatRaw(pos []int) int {
	flat := 0
	for k := range pos {
		flat += pos[k] * h.strides[k]
	}
	return flat
}

func computeStrides(axes []Axis) []int {
	strides := make([]int, len(axes))
	s := 1
	for k := len(axes) - 1; k >= 0; k-- {
		strides[k] = s
		s *= axes[k].Extent()
	}
	return strides
}

// forEachRaw visits every storage position of axes in row-major order. pos is
// reused between calls.
func forEachRaw(axes []Axis, pos []int, fn func()) {
	extents := make([]int, len(axes))
	for k, a := range axes {
		extents[k] = a.Extent()
		if extents[k] == 0 {
			return
		}
		pos[k] = 0
	}
	for {
		fn()
		k := len(axes) - 1
		for ; k >= 0; k-- {
			pos[k]++
			if pos[k] < extents[k] {
				break
			}
			pos[k] = 0
		}
		if k < 0 {
			return
		}
	}
}

// forEachInRange visits every in-range index tuple in row-major order
func forEachInRange(axes []Axis, idx []int, fn func()) {
	sizes := make([]int, len(axes))
	for k, a := range axes {
		sizes[k] = a.Size()
		if sizes[k] == 0 {
			return
		}
		idx[k] = 0
	}
	for {
		fn()
		k := len(axes) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < sizes[k] {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return
		}
	}
}

// accumulate builds a histogram over dstAxes by visiting every source bin and
// adding it to the destination position chosen by mapFn. Bins for which mapFn
// returns false are dropped and their summed weight is returned.
func (h *Histogram) accumulate(name string, dstAxes []Axis, mapFn func(src, dst []int) bool) (*Histogram, float64, error) {
	out, err := New(name, dstAxes...)
	if err != nil {
		return nil, 0, err
	}
	src := make([]int, len(h.axes))
	dst := make([]int, len(out.axes))
	var dropped float64
	forEachRaw(h.axes, src, func() {
		from := h.flatRaw(src)
		if !mapFn(src, dst) {
			dropped += h.values[from]
			return
		}
		to := out.flatRaw(dst)
		out.values[to] += h.values[from]
		out.variances[to] += h.variances[from]
	})
	return out, dropped, nil
}

// pull builds a histogram over dstAxes by visiting every destination bin and
// reading the source position chosen by srcFn. Destination bins for which srcFn
// returns false stay empty.
func (h *Histogram) pull(name string, dstAxes []Axis, srcFn func(dst, src []int) bool) (*Histogram, error) {
	out, err := New(name, dstAxes...)
	if err != nil {
		return nil, err
	}
	src := make([]int, len(h.axes))
	dst := make([]int, len(out.axes))
	forEachRaw(out.axes, dst, func() {
		if !srcFn(dst, src) {
			return
		}
		from := h.flatRaw(src)
		to := out.flatRaw(dst)
		out.values[to] = h.values[from]
		out.variances[to] = h.variances[from]
	})
	return out, nil
}
