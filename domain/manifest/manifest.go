// Package manifest describes the metadata record of a fit artifact. It is the
// sole description of the tensors the downstream fit reads.
package manifest

import (
	"encoding/json"
	"fmt"

	"datacard/domain/card"
	"datacard/domain/core"
	"datacard/domain/hist"
	"datacard/domain/syst"
)

// SchemaVersion of the manifest layout
const SchemaVersion = "1.0.0"

// Manifest is the complete metadata of one artifact
type Manifest struct {
	SchemaVersion string              `json:"schema_version"`
	ArtifactID    core.ID             `json:"artifact_id"`
	Fingerprint   core.Hash           `json:"fingerprint"`
	CodeVersion   string              `json:"code_version"`
	Sparse        bool                `json:"sparse"`
	Tolerance     float64             `json:"tolerance,omitempty"`
	Channels      []Channel           `json:"channels"`
	Nuisances     []Nuisance          `json:"nuisances"`
	NOIs          []string            `json:"nois"`
	SystGroups    map[string][]string `json:"syst_groups"`
	// POISumGroups are integrated cross sections over unfolding signal bins
	POISumGroups map[string][]string `json:"poi_sum_groups,omitempty"`
}

// Channel is the per-channel part of the manifest. Tensor rows follow the
// order of Processes and Nuisances.
type Channel struct {
	Name          string              `json:"name"`
	Axes          []hist.Axis         `json:"axes"`
	Bins          int                 `json:"bins"`
	Processes     []string            `json:"processes"`
	Groups        map[string][]string `json:"groups"`
	Unconstrained []string            `json:"unconstrained"`
	Nuisances     []string            `json:"nuisances"`
	Lumi          float64             `json:"lumi,omitempty"`
	GenAxes       []hist.Axis         `json:"gen_axes,omitempty"`
	NoStatUnc     []string            `json:"no_stat_unc,omitempty"`
	Pseudodata    bool                `json:"pseudodata,omitempty"`
	Fake          string              `json:"fake,omitempty"`
	GenBins       map[string]GenBin   `json:"gen_bins,omitempty"`
}

// GenBin is the generator-level bin a signal-bin process stands for
type GenBin struct {
	Parent string   `json:"parent"`
	Axes   []string `json:"axes"`
	Index  []int    `json:"index"`
}

// Nuisance is one fit parameter across channels
type Nuisance struct {
	Name        string              `json:"name"`
	Kind        string              `json:"kind"`
	Systematic  string              `json:"systematic"`
	Groups      []string            `json:"groups,omitempty"`
	NOI         bool                `json:"noi,omitempty"`
	Constrained bool                `json:"constrained"`
	Size        float64             `json:"size,omitempty"`
	Processes   map[string][]string `json:"processes"` // channel → fit processes
}

// Options are the artifact-wide settings recorded in the manifest
type Options struct {
	CodeVersion string
	Sparse      bool
	Tolerance   float64
}

// FromResults builds the manifest of finalized channels. Nuisances are merged
// by name across channels; NOIs come first, then lexicographic order.
func FromResults(results []*card.Result, opts Options) (*Manifest, error) {
	m := &Manifest{
		SchemaVersion: SchemaVersion,
		CodeVersion:   opts.CodeVersion,
		Sparse:        opts.Sparse,
		Tolerance:     opts.Tolerance,
		SystGroups:    make(map[string][]string),
	}
	byName := make(map[string]*Nuisance)
	seenChannel := make(map[string]bool)
	for _, r := range results {
		name := r.Channel.String()
		if seenChannel[name] {
			return nil, core.NewConfigError("channels", fmt.Sprintf("channel %q written twice", name))
		}
		seenChannel[name] = true
		ch := Channel{
			Name:          name,
			Axes:          r.FitAxes,
			Bins:          bins(r.FitAxes),
			Processes:     r.Processes,
			Groups:        r.Members,
			Unconstrained: nonNil(r.Unconstrained),
			Lumi:          r.Lumi,
			GenAxes:       r.GenAxes,
			NoStatUnc:     r.NoStatUnc,
			Pseudodata:    r.Pseudodata,
			Fake:          r.Fake,
		}
		for _, g := range core.SortedKeys(r.GenBins) {
			if ch.GenBins == nil {
				ch.GenBins = make(map[string]GenBin, len(r.GenBins))
			}
			b := r.GenBins[g]
			ch.GenBins[g] = GenBin{Parent: b.Parent, Axes: b.Axes, Index: b.Index}
		}
		for _, g := range core.SortedKeys(r.POISumGroups) {
			if m.POISumGroups == nil {
				m.POISumGroups = make(map[string][]string)
			}
			m.POISumGroups[g] = union(m.POISumGroups[g], r.POISumGroups[g])
		}
		for _, n := range r.Nuisances {
			ch.Nuisances = append(ch.Nuisances, n.Name)
			if err := merge(byName, name, n); err != nil {
				return nil, err
			}
		}
		ch.Nuisances = nonNil(ch.Nuisances)
		m.Channels = append(m.Channels, ch)
		for g, names := range r.SystGroups {
			m.SystGroups[g] = union(m.SystGroups[g], names)
		}
	}
	ordered := make([]*syst.Nuisance, 0, len(byName))
	for _, n := range byName {
		ordered = append(ordered, &syst.Nuisance{Name: n.Name, NOI: n.NOI})
	}
	syst.SortNuisances(ordered)
	m.Nuisances = make([]Nuisance, 0, len(ordered))
	m.NOIs = []string{}
	for _, o := range ordered {
		m.Nuisances = append(m.Nuisances, *byName[o.Name])
		if o.NOI {
			m.NOIs = append(m.NOIs, o.Name)
		}
	}
	return m, nil
}

func merge(byName map[string]*Nuisance, channel string, n *syst.Nuisance) error {
	cur, ok := byName[n.Name]
	if !ok {
		byName[n.Name] = &Nuisance{
			Name:        n.Name,
			Kind:        n.Kind.String(),
			Systematic:  n.Systematic,
			Groups:      n.Groups,
			NOI:         n.NOI,
			Constrained: n.Constrained,
			Size:        n.Size,
			Processes:   map[string][]string{channel: n.Processes},
		}
		return nil
	}
	if cur.Kind != n.Kind.String() || cur.NOI != n.NOI || cur.Constrained != n.Constrained || cur.Size != n.Size {
		return fmt.Errorf("%w: nuisance %q is defined differently in channel %s", core.ErrNameCollision, n.Name, channel)
	}
	cur.Groups = union(cur.Groups, n.Groups)
	cur.Processes[channel] = n.Processes
	return nil
}

// Seal fixes the fingerprint from the manifest content and the digest of the
// tensors, and derives the artifact id from it
func (m *Manifest) Seal(tensorDigest core.Hash) error {
	m.ArtifactID, m.Fingerprint = "", ""
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	m.Fingerprint = core.NewHasher().Bytes(raw).String(tensorDigest.String()).Sum()
	m.ArtifactID = core.NewContentID(m.Fingerprint)
	return nil
}

// Validate checks that the manifest is complete
func (m *Manifest) Validate() error {
	if m.SchemaVersion == "" {
		return core.NewConfigError("manifest", "schema_version cannot be empty")
	}
	if m.Fingerprint.IsEmpty() || m.ArtifactID.IsEmpty() {
		return core.NewConfigError("manifest", "manifest is not sealed")
	}
	if len(m.Channels) == 0 {
		return core.NewConfigError("manifest", "no channel")
	}
	for _, ch := range m.Channels {
		if len(ch.Processes) == 0 {
			return core.NewConfigError("manifest", fmt.Sprintf("channel %s has no process", ch.Name))
		}
		if ch.Bins != bins(ch.Axes) {
			return core.NewConfigError("manifest", fmt.Sprintf("channel %s: %d bins for axes of %d", ch.Name, ch.Bins, bins(ch.Axes)))
		}
	}
	return nil
}

// Channel looks up a channel by name
func (m *Manifest) Channel(name string) (Channel, bool) {
	for _, ch := range m.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// bins is the number of in-range bins spanned by axes
func bins(axes []hist.Axis) int {
	if len(axes) == 0 {
		return 0
	}
	n := 1
	for _, a := range axes {
		n *= a.Size()
	}
	return n
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
