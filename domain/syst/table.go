package syst

import (
	"fmt"

	"datacard/domain/core"
)

// TableEntry is the declarative form of one systematic, as read from the card
// configuration. Entries with LnN set become normalization-only nuisances.
type TableEntry struct {
	Name                     string            `yaml:"name"`
	Processes                []string          `yaml:"processes"`
	Histogram                string            `yaml:"histogram,omitempty"`
	Action                   *ActionSpec       `yaml:"action,omitempty"`
	SystAxes                 []string          `yaml:"systAxes,omitempty"`
	LabelsByAxis             map[string]string `yaml:"labelsByAxis,omitempty"`
	BaseName                 string            `yaml:"baseName,omitempty"`
	Rename                   string            `yaml:"rename,omitempty"`
	OutNames                 []string          `yaml:"outNames,omitempty"`
	SystNameReplace          [][2]string       `yaml:"systNameReplace,omitempty"`
	SystNamePrepend          string            `yaml:"systNamePrepend,omitempty"`
	SkipEntries              []SkipEntry       `yaml:"skipEntries,omitempty"`
	Mirror                   bool              `yaml:"mirror,omitempty"`
	MirrorDownVarEqualToNomi bool              `yaml:"mirrorDownVarEqualToNomi,omitempty"`
	Scale                    float64           `yaml:"scale,omitempty"`
	Group                    string            `yaml:"group,omitempty"`
	SplitGroup               map[string]string `yaml:"splitGroup,omitempty"`
	NoConstraint             bool              `yaml:"noConstraint,omitempty"`
	NOI                      bool              `yaml:"noi,omitempty"`
	PassToFakes              bool              `yaml:"passToFakes,omitempty"`
	AllowNonzeroOffNominal   bool              `yaml:"allowNonzeroOffNominal,omitempty"`
	LnN                      float64           `yaml:"lnN,omitempty"`
	Disabled                 bool              `yaml:"disabled,omitempty"`
}

// IsLnN reports whether the entry describes a log-normal nuisance
func (e TableEntry) IsLnN() bool { return e.LnN != 0 }

// Definition converts a shape entry
func (e TableEntry) Definition() (Definition, error) {
	if e.IsLnN() {
		return Definition{}, core.NewConfigError(e.Name, "lnN entry is not a shape systematic")
	}
	def := Definition{
		Name:                     e.Name,
		Processes:                e.Processes,
		Histogram:                e.Histogram,
		SystAxes:                 e.SystAxes,
		LabelsByAxis:             e.LabelsByAxis,
		BaseName:                 e.BaseName,
		Rename:                   e.Rename,
		OutNames:                 e.OutNames,
		SystNameReplace:          e.SystNameReplace,
		SystNamePrepend:          e.SystNamePrepend,
		SkipEntries:              e.SkipEntries,
		Mirror:                   e.Mirror,
		MirrorDownVarEqualToNomi: e.MirrorDownVarEqualToNomi,
		Scale:                    e.Scale,
		Group:                    e.Group,
		SplitGroup:               e.SplitGroup,
		NoConstraint:             e.NoConstraint,
		NOI:                      e.NOI,
		PassToFakes:              e.PassToFakes,
		AllowNonzeroOffNominal:   e.AllowNonzeroOffNominal,
	}
	if e.Action != nil {
		a, err := ActionFromSpec(*e.Action)
		if err != nil {
			return Definition{}, fmt.Errorf("systematic %s: %w", e.Name, err)
		}
		def.Action = a
	}
	return def, nil
}

// LnNDefinition converts a log-normal entry
func (e TableEntry) LnNDefinition() (LnN, error) {
	if !e.IsLnN() {
		return LnN{}, core.NewConfigError(e.Name, "entry has no lnN size")
	}
	return LnN{
		Name:         e.Name,
		Processes:    e.Processes,
		Size:         e.LnN,
		Group:        e.Group,
		SplitGroup:   e.SplitGroup,
		NoConstraint: e.NoConstraint,
		NOI:          e.NOI,
	}, nil
}
