package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"datacard/adapters/excel"
	"datacard/domain/card"
	"datacard/domain/process"
	"datacard/domain/syst"
	"datacard/internal/errors"
)

// Card is a complete, declarative description of one artifact
type Card struct {
	Output    string             `yaml:"output"`
	Sparse    bool               `yaml:"sparse"`
	Tolerance float64            `yaml:"tolerance"`
	Report    excel.ReportConfig `yaml:"report"`
	Channels  []ChannelConfig    `yaml:"channels"`
}

// ChannelConfig describes one fit region
type ChannelConfig struct {
	Name    string      `yaml:"name"`
	Inputs  InputConfig `yaml:"inputs"`
	Nominal string      `yaml:"nominal"`

	// Processes lists the source processes; empty means every process of the
	// source, with data recognized by DataPattern
	Processes   []ProcessConfig    `yaml:"processes"`
	DataPattern string             `yaml:"data_pattern"`
	MemberScale map[string]float64 `yaml:"member_scale"`
	Groups      []GroupConfig      `yaml:"groups"`
	Selections  []SelectionConfig  `yaml:"selections"`

	Lumi        float64           `yaml:"lumi"`
	LumiScale   float64           `yaml:"lumi_scale"`
	Fake        string            `yaml:"fake"`
	Exclude     []string          `yaml:"exclude"`
	Ops         []card.HistOp     `yaml:"ops"`
	FitAxes     []string          `yaml:"fit_axes"`
	GenAxes     []string          `yaml:"gen_axes"`
	NoStatUnc   []string          `yaml:"no_stat_unc"`
	Pseudo      *PseudoConfig     `yaml:"pseudodata"`
	Filter      FilterConfig      `yaml:"nuisance_filter"`
	Custom      map[string]string `yaml:"custom_groups"`
	Systematics []syst.TableEntry `yaml:"systematics"`
	Checks      ChecksConfig      `yaml:"checks"`
	Unfolding   *UnfoldingConfig  `yaml:"unfolding"`
}

// UnfoldingConfig splits a signal group into one process per generator-level
// bin of GenAxes
type UnfoldingConfig struct {
	Group  string `yaml:"group"`
	Prefix string `yaml:"prefix"`
	// Exclude keeps matching members (e.g. out-of-acceptance) in Group
	Exclude string `yaml:"exclude"`
	POISums bool   `yaml:"poi_sums"`
}

// InputConfig names the histogram files of a channel
type InputConfig struct {
	Format string   `yaml:"format"` // json or yoda
	Paths  []string `yaml:"paths"`
}

// ProcessConfig declares one source process
type ProcessConfig struct {
	Name string `yaml:"name"`
	Data bool   `yaml:"data"`
}

// Matcher selects names by exact name, prefix or regular expression. The
// criteria are alternatives.
type Matcher struct {
	Names  []string `yaml:"names"`
	Prefix []string `yaml:"prefix"`
	Regexp string   `yaml:"match"`
}

// GroupConfig declares a group over source processes
type GroupConfig struct {
	Name          string  `yaml:"name"`
	Select        Matcher `yaml:",inline"`
	Unconstrained bool    `yaml:"unconstrained"`
}

// SelectionConfig declares a named set of groups
type SelectionConfig struct {
	Name   string  `yaml:"name"`
	Select Matcher `yaml:",inline"`
}

// PseudoConfig mirrors card.PseudoData
type PseudoConfig struct {
	Histogram string `yaml:"histogram"`
	Axis      string `yaml:"axis"`
	Label     string `yaml:"label"`
	Poisson   bool   `yaml:"poisson"`
	Seed      uint64 `yaml:"seed"`
}

// FilterConfig holds the nuisance exclude/keep patterns
type FilterConfig struct {
	Exclude string `yaml:"exclude"`
	Keep    string `yaml:"keep"`
}

// ChecksConfig mirrors card.Checks
type ChecksConfig struct {
	NonNegativeNominal bool `yaml:"non_negative_nominal"`
	NominalSupport     bool `yaml:"nominal_support"`
}

// Predicate combines the matcher criteria
func (m Matcher) Predicate() (process.Predicate, error) {
	var preds []process.Predicate
	if len(m.Names) > 0 {
		preds = append(preds, process.MatchNames(m.Names...))
	}
	if len(m.Prefix) > 0 {
		preds = append(preds, process.MatchPrefix(m.Prefix...))
	}
	if m.Regexp != "" {
		p, err := process.MatchRegexp(m.Regexp)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("matcher selects nothing")
	}
	return func(name string) bool {
		for _, p := range preds {
			if p(name) {
				return true
			}
		}
		return false
	}, nil
}

// Pseudodata converts the pseudodata block
func (c ChannelConfig) Pseudodata() (card.PseudoData, bool) {
	if c.Pseudo == nil {
		return card.PseudoData{}, false
	}
	return card.PseudoData(*c.Pseudo), true
}

// CardChecks converts the checks block
func (c ChannelConfig) CardChecks() card.Checks {
	return card.Checks(c.Checks)
}

// DefaultCard returns a card with defaults and no channel
func DefaultCard() *Card {
	return &Card{
		Output: "datacard.sqlite",
		Report: excel.DefaultReportConfig(),
	}
}

// LoadCard reads a YAML card, applies DATACARD_SPARSE and DATACARD_TOLERANCE
// overrides and validates it
func LoadCard(path string) (*Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigInvalidf("failed to read card %s: %v", path, err)
	}
	return ParseCard(data)
}

// ParseCard decodes and validates YAML card content
func ParseCard(data []byte) (*Card, error) {
	c := DefaultCard()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.ConfigInvalidf("failed to parse card: %v", err)
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Card) applyEnvOverrides() {
	c.Sparse = getEnvBoolOrDefault("DATACARD_SPARSE", c.Sparse)
	c.Tolerance = getEnvFloatOrDefault("DATACARD_TOLERANCE", c.Tolerance)
}

func (c *Card) applyDefaults() {
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Nominal == "" {
			ch.Nominal = "nominal"
		}
		if ch.Inputs.Format == "" {
			ch.Inputs.Format = "json"
		}
		if ch.DataPattern == "" {
			ch.DataPattern = "^data"
		}
	}
}

// Validate checks the card without touching any input file
func (c *Card) Validate() error {
	if c.Output == "" {
		return errors.ConfigInvalid("output path is required")
	}
	if c.Tolerance < 0 {
		return errors.ConfigInvalidf("tolerance %g is negative", c.Tolerance)
	}
	if len(c.Channels) == 0 {
		return errors.ConfigInvalid("at least one channel is required")
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if seen[ch.Name] {
			return errors.ConfigInvalidf("channel %q is declared twice", ch.Name)
		}
		seen[ch.Name] = true
		if err := ch.validate(); err != nil {
			return errors.Wrapf(err, "channel %q", ch.Name)
		}
	}
	return nil
}

func (ch ChannelConfig) validate() error {
	if ch.Name == "" {
		return errors.ConfigInvalid("channel name is required")
	}
	switch ch.Inputs.Format {
	case "json", "yoda":
	default:
		return errors.ConfigInvalidf("unknown input format %q", ch.Inputs.Format)
	}
	if len(ch.Inputs.Paths) == 0 {
		return errors.ConfigInvalid("inputs.paths is required")
	}
	if len(ch.FitAxes) == 0 {
		return errors.ConfigInvalid("fit_axes is required")
	}
	if len(ch.Groups) == 0 {
		return errors.ConfigInvalid("at least one group is required")
	}
	for _, pattern := range append([]string{ch.DataPattern, ch.Filter.Exclude, ch.Filter.Keep}, ch.Exclude...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return errors.ConfigInvalidf("invalid pattern %q: %v", pattern, err)
		}
	}
	for _, g := range ch.Groups {
		if g.Name == "" {
			return errors.ConfigInvalid("group name is required")
		}
		if _, err := g.Select.Predicate(); err != nil {
			return errors.ConfigInvalidf("group %q: %v", g.Name, err)
		}
	}
	for _, s := range ch.Selections {
		if _, err := s.Select.Predicate(); err != nil {
			return errors.ConfigInvalidf("selection %q: %v", s.Name, err)
		}
	}
	for proc, s := range ch.MemberScale {
		if s <= 0 {
			return errors.ConfigInvalidf("member_scale of %s must be positive", proc)
		}
	}
	if ch.Lumi < 0 || ch.LumiScale < 0 {
		return errors.ConfigInvalid("lumi and lumi_scale cannot be negative")
	}
	if u := ch.Unfolding; u != nil {
		if len(ch.GenAxes) == 0 {
			return errors.ConfigInvalid("unfolding needs gen_axes")
		}
		if u.Group == "" {
			return errors.ConfigInvalid("unfolding.group is required")
		}
		if _, err := regexp.Compile(u.Exclude); err != nil {
			return errors.ConfigInvalidf("invalid pattern %q: %v", u.Exclude, err)
		}
	}
	for _, e := range ch.Systematics {
		if e.Name == "" {
			return errors.ConfigInvalid("systematic name is required")
		}
	}
	return nil
}
