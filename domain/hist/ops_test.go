package hist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacard/domain/core"
)

type recordingWarner struct {
	messages []string
}

func (w *recordingWarner) Warn(format string, args ...interface{}) {
	w.messages = append(w.messages, fmt.Sprintf(format, args...))
}

func etaPt(t *testing.T, name string, values, variances []float64) *Histogram {
	t.Helper()
	h, err := FromArrays(name, []Axis{
		NewRegular("eta", 3, -2.4, 2.4, false),
		NewRegular("pt", 2, 25, 65, true),
	}, values, variances)
	require.NoError(t, err)
	return h
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestAddIsInvertible(t *testing.T) {
	h1 := etaPt(t, "h1", []float64{1.5, 2, 3.25, 4, 5, 6.75}, constant(6, 1))
	h2 := etaPt(t, "h2", []float64{0.1, -0.2, 0.3, 7, 11, 13}, constant(6, 2))

	sum, err := Add(h1, h2, 1)
	require.NoError(t, err)
	back, err := Add(sum, h2, -1)
	require.NoError(t, err)

	assert.InDeltaSlice(t, h1.Values(), back.Values(), 1e-12)
	// variances only ever grow
	assert.InDeltaSlice(t, constant(6, 5), back.InRangeVariances(), 1e-12)
}

func TestAddTransposesSecondOperand(t *testing.T) {
	h1 := etaPt(t, "h1", []float64{1, 2, 3, 4, 5, 6}, nil)
	h2 := etaPt(t, "h2", []float64{10, 20, 30, 40, 50, 60}, nil)
	swapped, err := Transpose(h2, []string{"pt", "eta"})
	require.NoError(t, err)

	direct, err := Add(h1, h2, 1)
	require.NoError(t, err)
	viaTranspose, err := Add(h1, swapped, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"eta", "pt"}, viaTranspose.AxisNames())
	assert.Equal(t, direct.Values(), viaTranspose.Values())
}

func TestAddAxisMismatch(t *testing.T) {
	h1 := etaPt(t, "h1", constant(6, 1), nil)

	otherEdges, err := FromArrays("h2", []Axis{
		NewRegular("eta", 3, -2.5, 2.5, false),
		NewRegular("pt", 2, 25, 65, true),
	}, constant(6, 1), nil)
	require.NoError(t, err)
	_, err = Add(h1, otherEdges, 1)
	assert.ErrorIs(t, err, core.ErrAxisMismatch)

	otherNames, err := FromArrays("h3", []Axis{
		NewRegular("eta", 3, -2.4, 2.4, false),
		NewRegular("mt", 2, 25, 65, true),
	}, constant(6, 1), nil)
	require.NoError(t, err)
	_, err = Add(h1, otherNames, 1)
	assert.ErrorIs(t, err, core.ErrAxisMismatch)
}

func TestScale(t *testing.T) {
	h := etaPt(t, "h", constant(6, 2), constant(6, 3))
	s := Scale(h, 2)
	assert.Equal(t, constant(6, 4), s.InRangeValues())
	assert.Equal(t, constant(6, 12), s.InRangeVariances())
	// input untouched
	assert.Equal(t, constant(6, 2), h.InRangeValues())
}

func TestMirrorIsInvolution(t *testing.T) {
	nominal := etaPt(t, "nominal", []float64{100, 90, 80, 70, 60, 50}, constant(6, 100))
	varied := etaPt(t, "varied", []float64{101, 93, 75, 70, 66, 41}, constant(6, 4))

	once, err := Mirror(nominal, varied)
	require.NoError(t, err)
	twice, err := Mirror(nominal, once)
	require.NoError(t, err)

	assert.Equal(t, varied.Values(), twice.Values())
	assert.Equal(t, varied.Variances(), twice.Variances())
}

func TestMirrorScenario(t *testing.T) {
	nominal := etaPt(t, "nominal", constant(6, 100), constant(6, 100))
	up := etaPt(t, "up", constant(6, 105), constant(6, 100))

	down, err := Mirror(nominal, up)
	require.NoError(t, err)
	assert.Equal(t, constant(6, 95), down.InRangeValues())
}

func TestDecorrelateSumReproducesInput(t *testing.T) {
	axes := []Axis{NewRegular("pt", 4, 0, 4, true), NewStrCategory("charge", "minus", "plus")}
	h, err := FromFlowArrays("h", axes,
		[]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		[]float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1})
	require.NoError(t, err)

	for _, edges := range [][]float64{nil, {0, 2, 4}, {0, 1, 4}} {
		t.Run(fmt.Sprint(edges), func(t *testing.T) {
			dec, err := DecorrelateByAxis(h, "pt", edges, "ptDecorr")
			require.NoError(t, err)
			summed, err := SumAxes(dec, "ptDecorr")
			require.NoError(t, err)
			assert.True(t, Equal(h, summed, 0), "values %v vs %v", h.Values(), summed.Values())
		})
	}
}

func TestDecorrelateMasksOutsideRange(t *testing.T) {
	h, err := FromArrays("h", []Axis{NewRegular("pt", 4, 0, 4, false)}, []float64{1, 2, 3, 4}, nil)
	require.NoError(t, err)

	dec, err := DecorrelateByAxis(h, "pt", []float64{1, 3}, "ptDecorr")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 3, 0}, mustSelect(t, dec, "ptDecorr", 0).InRangeValues())

	_, err = DecorrelateByAxis(h, "pt", []float64{0.5, 3}, "ptDecorr")
	assert.ErrorIs(t, err, core.ErrAxisMismatch)
}

func TestRebinFactorComposes(t *testing.T) {
	values := make([]float64, 12)
	for i := range values {
		values[i] = float64(i*i) + 0.5
	}
	h, err := FromArrays("h", []Axis{NewRegular("x", 12, 0, 12, true)}, values, values)
	require.NoError(t, err)

	by2, err := RebinFactor(h, "x", 2, nil)
	require.NoError(t, err)
	by2then3, err := RebinFactor(by2, "x", 3, nil)
	require.NoError(t, err)
	by6, err := RebinFactor(h, "x", 6, nil)
	require.NoError(t, err)

	assert.True(t, Equal(by6, by2then3, 1e-12))
	assert.Equal(t, 2, mustAxisOf(t, by6, "x").Size())

	_, err = RebinFactor(h, "x", 5, nil)
	assert.ErrorIs(t, err, core.ErrAxisMismatch)
}

func TestRebinRejectsForeignEdges(t *testing.T) {
	h, err := FromArrays("h", []Axis{NewRegular("x", 4, 0, 4, false)}, []float64{1, 1, 1, 1}, nil)
	require.NoError(t, err)
	_, err = Rebin(h, "x", []float64{0, 1.5, 4}, nil)
	assert.ErrorIs(t, err, core.ErrAxisMismatch)
}

func TestSliceFoldsIntoFlow(t *testing.T) {
	h, err := FromArrays("h", []Axis{NewRegular("x", 4, 0, 4, true)}, []float64{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	w := &recordingWarner{}

	s, err := Slice(h, "x", 1, 3, w)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, s.Values())
	assert.Empty(t, w.messages)
	total, _ := s.Sum()
	assert.Equal(t, 10.0, total)
}

func TestSliceWithoutFlowWarns(t *testing.T) {
	h, err := FromArrays("h", []Axis{NewRegular("x", 4, 0, 4, false)}, []float64{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	w := &recordingWarner{}

	s, err := Slice(h, "x", 1, 3, w)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, s.Values())
	require.Len(t, w.messages, 1)
	assert.Contains(t, w.messages[0], "dropped")

	_, err = Slice(h, "x", 10, 20, nil)
	assert.ErrorIs(t, err, core.ErrBinRange)
}

func TestSliceIntegerAxis(t *testing.T) {
	h, err := FromArrays("h", []Axis{NewInteger("mass", -100, 0, 100)}, []float64{1, 2, 3}, nil)
	require.NoError(t, err)
	w := &recordingWarner{}

	s, err := Slice(h, "mass", -50, 150, w)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100}, mustAxisOf(t, s, "mass").Ints)
	assert.Equal(t, []float64{2, 3}, s.Values())
	assert.Len(t, w.messages, 1)
}

func TestExpandByDuplicateAxes(t *testing.T) {
	h, err := FromArrays("h", []Axis{NewRegular("pt", 2, 0, 2, true)}, []float64{3, 5}, []float64{1, 1})
	require.NoError(t, err)

	ex, err := ExpandByDuplicateAxes(h, []string{"pt"}, []string{"ptBin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pt", "ptBin"}, ex.AxisNames())

	cases := []struct {
		pt, bin int
		want    float64
	}{
		{0, 0, 3}, {0, 1, 0}, {1, 0, 0}, {1, 1, 5},
	}
	for _, c := range cases {
		v, _, err := ex.At(c.pt, c.bin)
		require.NoError(t, err)
		assert.Equal(t, c.want, v, "pt=%d bin=%d", c.pt, c.bin)
	}

	summed, err := SumAxes(ex, "ptBin")
	require.NoError(t, err)
	assert.Equal(t, h.InRangeValues(), summed.InRangeValues())
}

func TestSwapBins(t *testing.T) {
	h, err := FromArrays("h", []Axis{
		NewStrCategory("charge", "plus", "minus"),
		NewRegular("eta", 2, 0, 2, false),
	}, []float64{1, 2, 3, 4}, nil)
	require.NoError(t, err)

	swapped, err := SwapBins(h, "charge", "plus", "minus", "eta", SingleBin(1))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4, 3, 2}, swapped.Values())

	all, err := SwapBins(h, "charge", "plus", "minus", "eta", AllBins(mustAxisOf(t, h, "eta")))
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 1, 2}, all.Values())

	_, err = SwapBins(h, "charge", "plus", "zero", "eta", SingleBin(0))
	assert.ErrorIs(t, err, core.ErrBinRange)
}

func TestSelectCategoriesAndBin(t *testing.T) {
	h, err := FromArrays("h", []Axis{
		NewRegular("eta", 2, 0, 2, false),
		NewStrCategory("var", "a", "b", "c"),
	}, []float64{1, 2, 3, 4, 5, 6}, nil)
	require.NoError(t, err)

	sel, err := SelectCategories(h, "var", []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, mustAxisOf(t, sel, "var").Labels)
	assert.Equal(t, []float64{3, 1, 6, 4}, sel.Values())

	b := mustSelect(t, h, "var", 1)
	assert.Equal(t, []string{"eta"}, b.AxisNames())
	assert.Equal(t, []float64{2, 5}, b.Values())

	_, err = SelectLabel(h, "var", "missing")
	assert.ErrorIs(t, err, core.ErrBinRange)
}

func TestRatioTreatsEmptyDenominatorAsOne(t *testing.T) {
	num, err := FromArrays("num", []Axis{NewRegular("x", 3, 0, 3, false)}, []float64{2, 5, 7}, nil)
	require.NoError(t, err)
	den, err := FromArrays("den", []Axis{NewRegular("x", 3, 0, 3, false)}, []float64{1, 0, 2}, nil)
	require.NoError(t, err)

	r, err := Ratio(num, den)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1, 3.5}, r.Values())
}

func TestProjectIncludesFlow(t *testing.T) {
	h := etaPt(t, "h", []float64{1, 2, 3, 4, 5, 6}, nil)
	require.NoError(t, h.Set(10, 0, 0, 2)) // pt overflow in eta bin 0

	p, err := Project(h, "eta")
	require.NoError(t, err)
	assert.Equal(t, []float64{13, 7, 11}, p.Values())
}

func mustSelect(t *testing.T, h *Histogram, axis string, i int) *Histogram {
	t.Helper()
	out, err := SelectBin(h, axis, i)
	require.NoError(t, err)
	return out
}

func mustAxisOf(t *testing.T, h *Histogram, name string) Axis {
	t.Helper()
	a, _, ok := h.Axis(name)
	require.True(t, ok)
	return a
}
