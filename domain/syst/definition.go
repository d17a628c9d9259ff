// Package syst turns systematic definitions into named nuisance parameters with
// per-process up/down shape variations.
package syst

import (
	"fmt"
	"regexp"
	"strings"

	"datacard/domain/core"
	"datacard/domain/hist"
	"datacard/domain/process"
)

// DownUpAxis is the conventional systematic axis whose categories 0 and 1 hold
// the down and up variation
const DownUpAxis = "downUpVar"

// Wildcard matches any value in a SkipEntry
const Wildcard = "*"

// SkipEntry excludes every variation whose systematic-axis labels match all of
// its axis→value pairs
type SkipEntry map[string]string

// Definition describes one systematic source
type Definition struct {
	Name      string
	Processes []string
	// Histogram to read; empty means the channel nominal histogram
	Histogram string
	Action    Action
	SystAxes  []string

	// Naming
	LabelsByAxis    map[string]string
	BaseName        string
	Rename          string
	OutNames        []string
	SystNameReplace [][2]string
	SystNamePrepend string

	SkipEntries              []SkipEntry
	Mirror                   bool
	MirrorDownVarEqualToNomi bool
	// Scale shrinks or stretches the shift from nominal; zero means 1
	Scale float64

	Group        string
	SplitGroup   map[string]string
	NoConstraint bool
	NOI          bool
	PassToFakes  bool

	// PreOps are applied to the read histogram of the named member process
	PreOps                 map[string]process.MemberOp
	AllowNonzeroOffNominal bool
}

// Key is the name the systematic is known by in logs and groupings
func (d *Definition) Key() string {
	if d.Rename != "" {
		return d.Rename
	}
	return d.Name
}

func (d *Definition) base() string {
	switch {
	case d.BaseName != "":
		return d.BaseName
	case d.Rename != "":
		return d.Rename
	default:
		return d.Name
	}
}

func (d *Definition) scale() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return core.NewConfigError("systematic", "name cannot be empty")
	}
	seen := make(map[string]bool, len(d.SystAxes))
	for _, a := range d.SystAxes {
		if seen[a] {
			return core.NewConfigError("systAxes", fmt.Sprintf("axis %q listed twice", a))
		}
		seen[a] = true
	}
	if d.Mirror && d.MirrorDownVarEqualToNomi {
		return core.NewConfigError("mirror", "mirror and mirrorDownVarEqualToNomi are exclusive")
	}
	for group, pattern := range d.SplitGroup {
		if _, err := regexp.Compile(pattern); err != nil {
			return core.NewConfigError("splitGroup", fmt.Sprintf("%s: %v", group, err))
		}
	}
	return nil
}

// skipped reports whether any entry excludes the variation with these labels.
// Entries naming axes or values that do not exist match nothing.
func skipped(entries []SkipEntry, axes []hist.Axis, labels []string) bool {
	for _, e := range entries {
		if len(e) == 0 {
			continue
		}
		match := true
		for axis, want := range e {
			k := axisIndex(axes, axis)
			if k < 0 {
				match = false
				break
			}
			if want != Wildcard && want != labels[k] && !(axis == DownUpAxis && want == downUpSide(labels[k])) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func axisIndex(axes []hist.Axis, name string) int {
	for k, a := range axes {
		if a.Name == name {
			return k
		}
	}
	return -1
}

func downUpSide(label string) string {
	switch label {
	case "0", "Down":
		return "Down"
	case "1", "Up":
		return "Up"
	}
	return label
}

// variationName synthesizes the identifier of one variation from the base name
// and the bin labels along the systematic axes, and reports whether it is the
// up side. The side comes from the down/up axis, or else from an Up/Down
// ending of the last axis label. The base name is never inspected, and a
// variation without a side is an up shift.
func (d *Definition) variationName(axes []hist.Axis, labels []string) (string, bool) {
	parts := []string{d.base()}
	side := ""
	for k, a := range axes {
		if a.Name == DownUpAxis {
			side = downUpSide(labels[k])
			continue
		}
		prefix, ok := d.LabelsByAxis[a.Name]
		if !ok && a.Kind != hist.StrCategory {
			prefix = a.Name
		}
		parts = append(parts, prefix+labels[k])
	}
	if side == "" && len(parts) > 1 {
		last := len(parts) - 1
		if rest, isUp, ok := cutSide(parts[last]); ok {
			side = "Down"
			if isUp {
				side = "Up"
			}
			if rest == "" {
				parts = parts[:last]
			} else {
				parts[last] = rest
			}
		}
	}
	return strings.Join(parts, "_"), side != "Down"
}

func (d *Definition) finishName(name string) string {
	for _, r := range d.SystNameReplace {
		name = strings.ReplaceAll(name, r[0], r[1])
	}
	return d.SystNamePrepend + name
}

func cutSide(name string) (string, bool, bool) {
	if base, ok := strings.CutSuffix(name, "Down"); ok {
		return base, false, true
	}
	if base, ok := strings.CutSuffix(name, "Up"); ok {
		return base, true, true
	}
	return name, true, false
}

// splitSide strips a trailing Up/Down from an explicit output name. Names
// without one are the up side.
func splitSide(name string) (string, bool) {
	if base, isUp, ok := cutSide(name); ok && base != "" {
		return base, isUp
	}
	return name, true
}
