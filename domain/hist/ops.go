package hist

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"datacard/domain/core"
)

// Warner receives warnings about lossy operations. *internal.Logger
// satisfies it; nil is allowed everywhere a Warner is accepted.
type Warner interface {
	Warn(format string, args ...interface{})
}

// aligned checks that b spans the same axes as a (in any order) and returns b
// with its axes reordered like a.
func aligned(a, b *Histogram) (*Histogram, error) {
	if len(a.axes) != len(b.axes) {
		return nil, core.NewAxisMismatchError("", fmt.Sprintf("axis sets differ: %v vs %v", a.AxisNames(), b.AxisNames()))
	}
	inOrder := true
	for k, ax := range a.axes {
		bx, j, ok := b.Axis(ax.Name)
		if !ok {
			return nil, core.NewAxisMismatchError(ax.Name, fmt.Sprintf("missing from %v", b.AxisNames()))
		}
		if err := ax.Compatible(bx); err != nil {
			return nil, err
		}
		if j != k {
			inOrder = false
		}
	}
	if inOrder {
		return b, nil
	}
	return Transpose(b, a.AxisNames())
}

// Add returns h1 + scale2*h2. Variances add as v1 + scale2²·v2.
func Add(h1, h2 *Histogram, scale2 float64) (*Histogram, error) {
	b, err := aligned(h1, h2)
	if err != nil {
		return nil, err
	}
	out := h1.Clone()
	floats.AddScaled(out.values, scale2, b.values)
	floats.AddScaled(out.variances, scale2*scale2, b.variances)
	return out, nil
}

// Scale multiplies values by factor and variances by factor²
func Scale(h *Histogram, factor float64) *Histogram {
	out := h.Clone()
	floats.Scale(factor, out.values)
	floats.Scale(factor*factor, out.variances)
	return out
}

// Accumulate adds src into dst in place. This is the one documented mutating
// operation, used when summing moments of several datasets into one channel.
func Accumulate(dst, src *Histogram) error {
	b, err := aligned(dst, src)
	if err != nil {
		return err
	}
	floats.Add(dst.values, b.values)
	floats.Add(dst.variances, b.variances)
	return nil
}

// Mirror reflects varied through nominal: 2·nominal − varied. The variances of
// varied are kept, which makes Mirror its own inverse for a fixed nominal.
func Mirror(nominal, varied *Histogram) (*Histogram, error) {
	v, err := aligned(nominal, varied)
	if err != nil {
		return nil, err
	}
	out := nominal.Clone()
	out.name = varied.name
	floats.Scale(2, out.values)
	floats.Sub(out.values, v.values)
	copy(out.variances, v.variances)
	return out, nil
}

// Multiply scales h bin by bin with the values of factor (variances of factor
// are ignored)
func Multiply(h, factor *Histogram) (*Histogram, error) {
	f, err := aligned(h, factor)
	if err != nil {
		return nil, err
	}
	out := h.Clone()
	sq := append([]float64(nil), f.values...)
	floats.Mul(sq, f.values)
	floats.Mul(out.values, f.values)
	floats.Mul(out.variances, sq)
	return out, nil
}

// Ratio divides num by den bin by bin; bins with den == 0 get ratio 1.
// The result carries no variance.
func Ratio(num, den *Histogram) (*Histogram, error) {
	d, err := aligned(num, den)
	if err != nil {
		return nil, err
	}
	out := num.Clone()
	for i := range out.values {
		if d.values[i] == 0 {
			out.values[i] = 1
		} else {
			out.values[i] /= d.values[i]
		}
		out.variances[i] = 0
	}
	return out, nil
}

// Equal compares two histograms over the same axis set within tol (absolute
// or relative, whichever is looser)
func Equal(a, b *Histogram, tol float64) bool {
	bb, err := aligned(a, b)
	if err != nil {
		return false
	}
	return floats.EqualApprox(a.values, bb.values, tol) &&
		floats.EqualApprox(a.variances, bb.variances, tol)
}

// Transpose reorders the axes of h
func Transpose(h *Histogram, order []string) (*Histogram, error) {
	if len(order) != len(h.axes) {
		return nil, core.NewAxisMismatchError("", fmt.Sprintf("transpose order %v does not cover %v", order, h.AxisNames()))
	}
	perm := make([]int, len(order))
	axes := make([]Axis, len(order))
	used := make(map[int]bool, len(order))
	for k, name := range order {
		a, i, err := h.mustAxis(name)
		if err != nil {
			return nil, err
		}
		if used[i] {
			return nil, core.NewAxisMismatchError(name, "repeated in transpose order")
		}
		used[i] = true
		perm[k] = i
		axes[k] = a
	}
	return h.pull(h.name, axes, func(dst, src []int) bool {
		for k, i := range perm {
			src[i] = dst[k]
		}
		return true
	})
}

// Project sums out every axis not listed in keep; the result has the axes of
// keep in that order. Flow bins of summed axes are included.
func Project(h *Histogram, keep ...string) (*Histogram, error) {
	if len(keep) == 0 {
		return nil, core.NewAxisMismatchError("", "cannot project onto zero axes")
	}
	idx := make([]int, len(keep))
	axes := make([]Axis, len(keep))
	for k, name := range keep {
		a, i, err := h.mustAxis(name)
		if err != nil {
			return nil, err
		}
		idx[k] = i
		axes[k] = a
	}
	out, _, err := h.accumulate(h.name, axes, func(src, dst []int) bool {
		for k, i := range idx {
			dst[k] = src[i]
		}
		return true
	})
	return out, err
}

// SumAxes sums out the named axes
func SumAxes(h *Histogram, names ...string) (*Histogram, error) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		if !h.HasAxis(n) {
			return nil, fmt.Errorf("%w %q in histogram %q", core.ErrUnknownAxis, n, h.name)
		}
		drop[n] = true
	}
	var keep []string
	for _, a := range h.axes {
		if !drop[a.Name] {
			keep = append(keep, a.Name)
		}
	}
	return Project(h, keep...)
}

// remapAxis rebuilds h with axis ai replaced by newAxis; rawMap sends each
// source storage position of ai to a destination position, or -1 to drop it.
func (h *Histogram) remapAxis(ai int, newAxis Axis, rawMap []int) (*Histogram, float64, error) {
	axes := h.Axes()
	axes[ai] = newAxis
	out, _, err := h.accumulate(h.name, axes, func(src, dst []int) bool {
		copy(dst, src)
		p := rawMap[src[ai]]
		if p < 0 {
			return false
		}
		dst[ai] = p
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	// report the absolute weight that fell out, not its signed sum
	var dropped float64
	src := make([]int, len(h.axes))
	forEachRaw(h.axes, src, func() {
		if rawMap[src[ai]] < 0 {
			dropped += math.Abs(h.values[h.flatRaw(src)])
		}
	})
	return out, dropped, nil
}

// Rebin merges adjacent bins of a numeric axis. Every new edge must coincide
// with an existing edge. Content outside the new range goes to the flow bins
// when the axis has them and is dropped otherwise (reported through w).
func Rebin(h *Histogram, axis string, newEdges []float64, w Warner) (*Histogram, error) {
	a, ai, err := h.mustAxis(axis)
	if err != nil {
		return nil, err
	}
	if !a.IsNumeric() {
		return nil, core.NewAxisMismatchError(axis, "rebin needs a numeric axis")
	}
	idx, err := edgeIndices(a, newEdges)
	if err != nil {
		return nil, err
	}
	newAxis := Axis{Name: a.Name, Kind: Variable, Edges: append([]float64(nil), newEdges...), Underflow: a.Underflow, Overflow: a.Overflow}
	if len(idx) == len(a.Edges) {
		newAxis.Kind = a.Kind
	}
	m := len(idx) - 1
	rawMap := make([]int, a.Extent())
	for p := range rawMap {
		b := a.inRange(p)
		switch {
		case b < idx[0]:
			rawMap[p] = flowPos(newAxis, true)
		case b >= idx[m]:
			rawMap[p] = flowPos(newAxis, false)
		default:
			k := 0
			for k+1 < m && idx[k+1] <= b {
				k++
			}
			rawMap[p] = newAxis.raw(k)
		}
	}
	out, dropped, err := h.remapAxis(ai, newAxis, rawMap)
	if err != nil {
		return nil, err
	}
	if dropped > 0 && w != nil {
		w.Warn("hist %s: dropped |weight| %g outside [%g, %g) of axis %s (no flow bins)",
			h.name, dropped, newEdges[0], newEdges[len(newEdges)-1], axis)
	}
	return out, nil
}

// RebinFactor merges groups of k adjacent bins. The axis size must be a
// multiple of k.
func RebinFactor(h *Histogram, axis string, k int, w Warner) (*Histogram, error) {
	a, _, err := h.mustAxis(axis)
	if err != nil {
		return nil, err
	}
	if !a.IsNumeric() {
		return nil, core.NewAxisMismatchError(axis, "rebin needs a numeric axis")
	}
	if k <= 0 || a.Size()%k != 0 {
		return nil, core.NewAxisMismatchError(axis, fmt.Sprintf("factor %d does not divide %d bins", k, a.Size()))
	}
	if k == 1 {
		return h.Clone(), nil
	}
	edges := make([]float64, 0, a.Size()/k+1)
	for i := 0; i < len(a.Edges); i += k {
		edges = append(edges, a.Edges[i])
	}
	return Rebin(h, axis, edges, w)
}

// Slice restricts an axis to the bins whose centers lie in [lo, hi). Numeric
// axes fold the removed content into their flow bins if they have them;
// otherwise, and always for integer axes, it is dropped and reported through w.
func Slice(h *Histogram, axis string, lo, hi float64, w Warner) (*Histogram, error) {
	a, ai, err := h.mustAxis(axis)
	if err != nil {
		return nil, err
	}
	switch a.Kind {
	case StrCategory:
		return nil, core.NewAxisMismatchError(axis, "cannot slice a string category axis by value")
	case Integer:
		var keep []int
		rawMap := make([]int, a.Extent())
		for i, v := range a.Ints {
			rawMap[i] = -1
			if float64(v) >= lo && float64(v) < hi {
				rawMap[i] = len(keep)
				keep = append(keep, v)
			}
		}
		if len(keep) == 0 {
			return nil, fmt.Errorf("%w: no category of %q in [%g, %g)", core.ErrBinRange, axis, lo, hi)
		}
		out, dropped, err := h.remapAxis(ai, NewInteger(a.Name, keep...), rawMap)
		if err != nil {
			return nil, err
		}
		if dropped > 0 && w != nil {
			w.Warn("hist %s: dropped |weight| %g outside [%g, %g) of axis %s", h.name, dropped, lo, hi, axis)
		}
		return out, nil
	}
	r := a.RangeByValue(lo, hi)
	if r.Empty() {
		return nil, fmt.Errorf("%w: no bin of %q in [%g, %g)", core.ErrBinRange, axis, lo, hi)
	}
	return Rebin(h, axis, a.Edges[r.Start:r.Stop+1], w)
}

// SelectCategories keeps the listed categories of a categorical axis, in the
// given order
func SelectCategories(h *Histogram, axis string, labels []string) (*Histogram, error) {
	a, ai, err := h.mustAxis(axis)
	if err != nil {
		return nil, err
	}
	if !a.IsCategorical() {
		return nil, core.NewAxisMismatchError(axis, "category selection needs a categorical axis")
	}
	rawMap := make([]int, a.Extent())
	for i := range rawMap {
		rawMap[i] = -1
	}
	newAxis := Axis{Name: a.Name, Kind: a.Kind}
	for k, label := range labels {
		i, ok := a.Index(label)
		if !ok {
			return nil, fmt.Errorf("%w: category %q not on axis %q", core.ErrBinRange, label, axis)
		}
		if rawMap[i] >= 0 {
			return nil, core.NewAxisMismatchError(axis, fmt.Sprintf("category %q selected twice", label))
		}
		rawMap[i] = k
		if a.Kind == Integer {
			newAxis.Ints = append(newAxis.Ints, a.Ints[i])
		} else {
			newAxis.Labels = append(newAxis.Labels, label)
		}
	}
	out, _, err := h.remapAxis(ai, newAxis, rawMap)
	return out, err
}

// SelectBin removes an axis by picking one of its bins. i is an in-range index;
// -1 and Size() address the flow bins.
func SelectBin(h *Histogram, axis string, i int) (*Histogram, error) {
	a, ai, err := h.mustAxis(axis)
	if err != nil {
		return nil, err
	}
	p := a.raw(i)
	if p < 0 || p >= a.Extent() {
		return nil, fmt.Errorf("%w: bin %d of axis %q", core.ErrBinRange, i, axis)
	}
	if len(h.axes) == 1 {
		return nil, core.NewAxisMismatchError(axis, "cannot remove the only axis")
	}
	axes := make([]Axis, 0, len(h.axes)-1)
	for k, ax := range h.axes {
		if k != ai {
			axes = append(axes, ax.clone())
		}
	}
	return h.pull(h.name, axes, func(dst, src []int) bool {
		for k := range src {
			switch {
			case k < ai:
				src[k] = dst[k]
			case k == ai:
				src[k] = p
			default:
				src[k] = dst[k-1]
			}
		}
		return true
	})
}

// SelectLabel removes a categorical axis by picking the named category
func SelectLabel(h *Histogram, axis, label string) (*Histogram, error) {
	a, _, err := h.mustAxis(axis)
	if err != nil {
		return nil, err
	}
	i, ok := a.Index(label)
	if !ok {
		return nil, fmt.Errorf("%w: category %q not on axis %q", core.ErrBinRange, label, axis)
	}
	return SelectBin(h, axis, i)
}

// Broadcast appends axis and repeats the content of h in every slab
func Broadcast(h *Histogram, axis Axis) (*Histogram, error) {
	rank := len(h.axes)
	axes := append(h.Axes(), axis)
	return h.pull(h.name, axes, func(dst, src []int) bool {
		copy(src, dst[:rank])
		return true
	})
}

// ExpandByDuplicateAxes appends one integer axis per source axis; the categories
// are the in-range bin indices of the source axis and slab k holds h masked to
// source bin k. Flow bins of the source axes appear in no slab.
func ExpandByDuplicateAxes(h *Histogram, axes []string, newNames []string) (*Histogram, error) {
	if len(axes) != len(newNames) {
		return nil, core.NewAxisMismatchError("", fmt.Sprintf("%d source axes but %d new names", len(axes), len(newNames)))
	}
	rank := len(h.axes)
	srcIdx := make([]int, len(axes))
	dstAxes := h.Axes()
	for k, name := range axes {
		a, i, err := h.mustAxis(name)
		if err != nil {
			return nil, err
		}
		srcIdx[k] = i
		dstAxes = append(dstAxes, NewIntegerRange(newNames[k], a.Size()))
	}
	return h.pull(h.name, dstAxes, func(dst, src []int) bool {
		copy(src, dst[:rank])
		for k, i := range srcIdx {
			if h.axes[i].inRange(dst[i]) != dst[rank+k] {
				return false
			}
		}
		return true
	})
}

// SwapBins exchanges the content of categories labelA and labelB of swapAxis,
// but only inside the selected bins of targetAxis
func SwapBins(h *Histogram, swapAxis, labelA, labelB, targetAxis string, target BinRange) (*Histogram, error) {
	sa, si, err := h.mustAxis(swapAxis)
	if err != nil {
		return nil, err
	}
	if !sa.IsCategorical() {
		return nil, core.NewAxisMismatchError(swapAxis, "swap axis must be categorical")
	}
	ta, ti, err := h.mustAxis(targetAxis)
	if err != nil {
		return nil, err
	}
	ia, okA := sa.Index(labelA)
	ib, okB := sa.Index(labelB)
	if !okA || !okB {
		return nil, fmt.Errorf("%w: swap labels %q/%q not on axis %q", core.ErrBinRange, labelA, labelB, swapAxis)
	}
	pa, pb := sa.raw(ia), sa.raw(ib)
	return h.pull(h.name, h.Axes(), func(dst, src []int) bool {
		copy(src, dst)
		if target.Contains(ta.inRange(dst[ti])) {
			switch dst[si] {
			case pa:
				src[si] = pb
			case pb:
				src[si] = pa
			}
		}
		return true
	})
}

// DecorrelateByAxis stacks one copy of h per range [edges[i], edges[i+1]) of a
// numeric axis along a new integer axis; each copy is zero outside its range.
// Empty edges means one range per bin. The underflow bin belongs to a range
// starting at the first edge and the overflow bin to a range ending at the
// last, so the sum over the new axis equals h when the ranges cover the axis.
func DecorrelateByAxis(h *Histogram, axis string, edges []float64, newAxis string) (*Histogram, error) {
	a, ai, err := h.mustAxis(axis)
	if err != nil {
		return nil, err
	}
	if !a.IsNumeric() {
		return nil, core.NewAxisMismatchError(axis, "decorrelation needs a numeric axis")
	}
	if len(edges) == 0 {
		edges = a.Edges
	}
	idx, err := edgeIndices(a, edges)
	if err != nil {
		return nil, err
	}
	m := len(idx) - 1
	rangeOf := make([]int, a.Extent())
	for p := range rangeOf {
		b := a.inRange(p)
		rangeOf[p] = -1
		switch {
		case b < 0:
			if idx[0] == 0 {
				rangeOf[p] = 0
			}
		case b >= a.Size():
			if idx[m] == a.Size() {
				rangeOf[p] = m - 1
			}
		default:
			for k := 0; k < m; k++ {
				if idx[k] <= b && b < idx[k+1] {
					rangeOf[p] = k
					break
				}
			}
		}
	}
	rank := len(h.axes)
	dstAxes := append(h.Axes(), NewIntegerRange(newAxis, m))
	return h.pull(h.name, dstAxes, func(dst, src []int) bool {
		copy(src, dst[:rank])
		return rangeOf[dst[ai]] == dst[rank]
	})
}

func edgeIndices(a Axis, edges []float64) ([]int, error) {
	if len(edges) < 2 {
		return nil, core.NewAxisMismatchError(a.Name, "need at least two edges")
	}
	idx := make([]int, len(edges))
	for k, e := range edges {
		i, ok := a.edgeIndex(e)
		if !ok {
			return nil, core.NewAxisMismatchError(a.Name, fmt.Sprintf("edge %g is not an edge of the axis", e))
		}
		if k > 0 && i <= idx[k-1] {
			return nil, core.NewAxisMismatchError(a.Name, "edges must be strictly increasing")
		}
		idx[k] = i
	}
	return idx, nil
}

// flowPos is the storage position of a's underflow (or overflow) bin, or -1
// when the axis has none
func flowPos(a Axis, under bool) int {
	if under {
		if a.Underflow {
			return 0
		}
		return -1
	}
	if a.Overflow {
		return a.offset() + a.Size()
	}
	return -1
}
