package hist

import (
	"fmt"
	"math"
	"strconv"

	"datacard/domain/core"
)

// AxisKind distinguishes numeric from categorical axes
type AxisKind int

const (
	Regular AxisKind = iota
	Variable
	Integer
	StrCategory
)

var axisKindNames = map[AxisKind]string{
	Regular:     "regular",
	Variable:    "variable",
	Integer:     "integer",
	StrCategory: "strcategory",
}

func (k AxisKind) String() string {
	if s, ok := axisKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (k AxisKind) MarshalText() ([]byte, error) {
	s, ok := axisKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown axis kind %d", int(k))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AxisKind) UnmarshalText(b []byte) error {
	for kind, name := range axisKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown axis kind %q", string(b))
}

// edgeTolerance is the relative tolerance used when comparing bin edges
const edgeTolerance = 1e-9

// Axis is one named dimension of a histogram. Numeric axes (Regular, Variable)
// carry len(Edges) = size+1 and may have flow bins; categorical axes (Integer,
// StrCategory) never do.
type Axis struct {
	Name      string    `json:"name" yaml:"name"`
	Kind      AxisKind  `json:"kind" yaml:"kind"`
	Edges     []float64 `json:"edges,omitempty" yaml:"edges,omitempty"`
	Ints      []int     `json:"ints,omitempty" yaml:"ints,omitempty"`
	Labels    []string  `json:"labels,omitempty" yaml:"labels,omitempty"`
	Underflow bool      `json:"underflow,omitempty" yaml:"underflow,omitempty"`
	Overflow  bool      `json:"overflow,omitempty" yaml:"overflow,omitempty"`
}

// NewRegular creates n equal-width bins on [lo, hi)
func NewRegular(name string, n int, lo, hi float64, flow bool) Axis {
	edges := make([]float64, n+1)
	width := (hi - lo) / float64(n)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[n] = hi
	return Axis{Name: name, Kind: Regular, Edges: edges, Underflow: flow, Overflow: flow}
}

// NewVariable creates bins from explicit edges
func NewVariable(name string, edges []float64, flow bool) Axis {
	return Axis{Name: name, Kind: Variable, Edges: append([]float64(nil), edges...), Underflow: flow, Overflow: flow}
}

// NewInteger creates an integer categorical axis
func NewInteger(name string, values ...int) Axis {
	return Axis{Name: name, Kind: Integer, Ints: append([]int(nil), values...)}
}

// NewIntegerRange creates an integer categorical axis with categories 0..n-1
func NewIntegerRange(name string, n int) Axis {
	ints := make([]int, n)
	for i := range ints {
		ints[i] = i
	}
	return Axis{Name: name, Kind: Integer, Ints: ints}
}

// NewStrCategory creates a string categorical axis
func NewStrCategory(name string, labels ...string) Axis {
	return Axis{Name: name, Kind: StrCategory, Labels: append([]string(nil), labels...)}
}

// IsNumeric reports whether the axis is edge-based
func (a Axis) IsNumeric() bool {
	return a.Kind == Regular || a.Kind == Variable
}

// IsCategorical reports whether the axis enumerates discrete labels
func (a Axis) IsCategorical() bool {
	return a.Kind == Integer || a.Kind == StrCategory
}

// Size is the number of in-range bins
func (a Axis) Size() int {
	switch a.Kind {
	case Integer:
		return len(a.Ints)
	case StrCategory:
		return len(a.Labels)
	default:
		if len(a.Edges) == 0 {
			return 0
		}
		return len(a.Edges) - 1
	}
}

// Extent is the number of stored bins including flow bins
func (a Axis) Extent() int {
	return a.Size() + a.offset() + boolInt(a.Overflow && a.IsNumeric())
}

func (a Axis) offset() int {
	return boolInt(a.Underflow && a.IsNumeric())
}

// raw converts an in-range bin index to a storage position
func (a Axis) raw(i int) int {
	return i + a.offset()
}

// inRange converts a storage position to an in-range bin index. Underflow maps
// to -1 and overflow to Size().
func (a Axis) inRange(p int) int {
	return p - a.offset()
}

// BinLabel renders bin i for use in variation names
func (a Axis) BinLabel(i int) string {
	switch a.Kind {
	case StrCategory:
		return a.Labels[i]
	case Integer:
		return strconv.Itoa(a.Ints[i])
	default:
		return strconv.Itoa(i)
	}
}

// Index looks up a category by its label. Integer axes accept the decimal form.
func (a Axis) Index(label string) (int, bool) {
	for i := 0; i < a.Size(); i++ {
		if a.BinLabel(i) == label {
			return i, true
		}
	}
	return -1, false
}

// Center returns the midpoint of numeric bin i, or the category value for
// integer axes
func (a Axis) Center(i int) float64 {
	switch a.Kind {
	case Integer:
		return float64(a.Ints[i])
	case StrCategory:
		return float64(i)
	default:
		return 0.5 * (a.Edges[i] + a.Edges[i+1])
	}
}

// FindBin returns the in-range bin containing x (-1 below, Size() above)
func (a Axis) FindBin(x float64) int {
	if !a.IsNumeric() {
		for i, v := range a.Ints {
			if float64(v) == x {
				return i
			}
		}
		return -1
	}
	if x < a.Edges[0] {
		return -1
	}
	for i := 0; i < a.Size(); i++ {
		if x < a.Edges[i+1] {
			return i
		}
	}
	return a.Size()
}

// edgeIndex returns the index of the existing edge equal to x
func (a Axis) edgeIndex(x float64) (int, bool) {
	for i, e := range a.Edges {
		if closeEnough(e, x) {
			return i, true
		}
	}
	return -1, false
}

// BinRange selects in-range bins [Start, Stop)
type BinRange struct {
	Start int
	Stop  int
}

// AllBins selects every in-range bin of a
func AllBins(a Axis) BinRange {
	return BinRange{Start: 0, Stop: a.Size()}
}

// SingleBin selects one bin
func SingleBin(i int) BinRange {
	return BinRange{Start: i, Stop: i + 1}
}

// RangeByValue selects bins whose centers lie in [lo, hi)
func (a Axis) RangeByValue(lo, hi float64) BinRange {
	r := BinRange{Start: -1, Stop: -1}
	for i := 0; i < a.Size(); i++ {
		c := a.Center(i)
		if c >= lo && c < hi {
			if r.Start < 0 {
				r.Start = i
			}
			r.Stop = i + 1
		}
	}
	if r.Start < 0 {
		return BinRange{}
	}
	return r
}

// Contains reports whether in-range bin i is selected
func (r BinRange) Contains(i int) bool {
	return i >= r.Start && i < r.Stop
}

// Empty reports whether the range selects nothing
func (r BinRange) Empty() bool {
	return r.Stop <= r.Start
}

// validate checks internal consistency of a single axis
func (a Axis) validate() error {
	if a.Name == "" {
		return core.NewAxisMismatchError(a.Name, "axis name cannot be empty")
	}
	switch a.Kind {
	case Regular, Variable:
		if len(a.Edges) < 2 {
			return core.NewAxisMismatchError(a.Name, "numeric axis needs at least two edges")
		}
		for i := 1; i < len(a.Edges); i++ {
			if !(a.Edges[i] > a.Edges[i-1]) {
				return core.NewAxisMismatchError(a.Name, "edges must be strictly increasing")
			}
		}
	case Integer:
		seen := make(map[int]bool, len(a.Ints))
		for _, v := range a.Ints {
			if seen[v] {
				return core.NewAxisMismatchError(a.Name, fmt.Sprintf("duplicate category %d", v))
			}
			seen[v] = true
		}
	case StrCategory:
		seen := make(map[string]bool, len(a.Labels))
		for _, v := range a.Labels {
			if seen[v] {
				return core.NewAxisMismatchError(a.Name, fmt.Sprintf("duplicate category %q", v))
			}
			seen[v] = true
		}
	default:
		return core.NewAxisMismatchError(a.Name, "unknown axis kind")
	}
	return nil
}

// Compatible checks that b addresses the same bins as a. Regular and Variable
// axes with equal edges are interchangeable.
func (a Axis) Compatible(b Axis) error {
	if a.Name != b.Name {
		return core.NewAxisMismatchError(a.Name, fmt.Sprintf("name differs from %q", b.Name))
	}
	if a.IsNumeric() != b.IsNumeric() || (a.IsCategorical() && a.Kind != b.Kind) {
		return core.NewAxisMismatchError(a.Name, fmt.Sprintf("kind %s vs %s", a.Kind, b.Kind))
	}
	if a.Size() != b.Size() {
		return core.NewAxisMismatchError(a.Name, fmt.Sprintf("size %d vs %d", a.Size(), b.Size()))
	}
	switch a.Kind {
	case Integer:
		for i := range a.Ints {
			if a.Ints[i] != b.Ints[i] {
				return core.NewAxisMismatchError(a.Name, "integer categories differ")
			}
		}
	case StrCategory:
		for i := range a.Labels {
			if a.Labels[i] != b.Labels[i] {
				return core.NewAxisMismatchError(a.Name, "string categories differ")
			}
		}
	default:
		for i := range a.Edges {
			if !closeEnough(a.Edges[i], b.Edges[i]) {
				return core.NewAxisMismatchError(a.Name, fmt.Sprintf("edge %d: %g vs %g", i, a.Edges[i], b.Edges[i]))
			}
		}
		if a.Underflow != b.Underflow || a.Overflow != b.Overflow {
			return core.NewAxisMismatchError(a.Name, "flow bins differ")
		}
	}
	return nil
}

func (a Axis) clone() Axis {
	out := a
	out.Edges = append([]float64(nil), a.Edges...)
	out.Ints = append([]int(nil), a.Ints...)
	out.Labels = append([]string(nil), a.Labels...)
	return out
}

func closeEnough(x, y float64) bool {
	scale := math.Max(1, math.Max(math.Abs(x), math.Abs(y)))
	return math.Abs(x-y) <= edgeTolerance*scale
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
