// Package card assembles one fit channel: nominal and observed histograms,
// systematic registrations and the metadata the artifact writer needs.
package card

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"datacard/domain/core"
	"datacard/domain/hist"
	"datacard/domain/process"
	"datacard/domain/syst"
)

// State of a channel. Transitions only move forward.
type State int

const (
	Created State = iota
	ProcessesSet
	AxesSet
	SystematicsRegistered
	Finalized
)

var stateNames = [...]string{"CREATED", "PROCESSES_SET", "AXES_SET", "SYSTEMATICS_REGISTERED", "FINALIZED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Source delivers process histograms by name
type Source interface {
	Histogram(process, name string) (*hist.Histogram, error)
}

// Logger is what a channel logs through; *internal.Logger satisfies it
type Logger = syst.Logger

// Options configure a channel at creation
type Options struct {
	// NominalName is the histogram holding nominal yields; default "nominal"
	NominalName string
	Logger      Logger
}

// PseudoData replaces the observed histogram with the summed prediction of
// Histogram (default the channel nominal), optionally picking one bin of Axis
// and Poisson-fluctuating it
type PseudoData struct {
	Histogram string
	Axis      string
	Label     string
	Poisson   bool
	Seed      uint64
}

// Checks are the optional finalize validations
type Checks struct {
	NonNegativeNominal bool
	NominalSupport     bool
}

// Channel is one fit region under construction. It is not safe for
// concurrent use.
type Channel struct {
	name        core.ChannelName
	src         Source
	log         Logger
	nominalName string
	state       State

	snap      *process.Snapshot
	fitAxes   []string
	ops       []HistOp
	lumi      float64
	lumiScale float64
	fake      string
	excluded  *regexp.Regexp
	genAxes   []hist.Axis
	noStatUnc map[string]bool
	custom    map[string]*regexp.Regexp
	filterEx  string
	filterKp  string
	poiSums   bool
	sumOf     map[string]bool

	processes  []string
	nominals   map[string]*hist.Histogram
	missing    []string
	data       *hist.Histogram
	pseudodata bool
	registry   *syst.Registry
}

// New creates a channel reading from src
func New(name string, src Source, opts Options) (*Channel, error) {
	cn, err := core.ParseChannelName(name)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, core.NewConfigError("source", "channel needs a histogram source")
	}
	c := &Channel{
		name:        cn,
		src:         src,
		log:         opts.Logger,
		nominalName: opts.NominalName,
		lumiScale:   1,
		noStatUnc:   make(map[string]bool),
		custom:      make(map[string]*regexp.Regexp),
		nominals:    make(map[string]*hist.Histogram),
	}
	if c.log == nil {
		c.log = nopLogger{}
	}
	if c.nominalName == "" {
		c.nominalName = "nominal"
	}
	return c, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Name returns the channel name
func (c *Channel) Name() core.ChannelName { return c.name }

// State returns the current state
func (c *Channel) State() State { return c.state }

func (c *Channel) invalid(op string) error {
	if c.state == Finalized {
		return fmt.Errorf("%w: %s on channel %s", core.ErrChannelFinalized, op, c.name)
	}
	return fmt.Errorf("%w: %s not allowed in state %s of channel %s", core.ErrInvalidState, op, c.state, c.name)
}

// before fails unless the channel has not yet reached s
func (c *Channel) before(s State, op string) error {
	if c.state >= s {
		return c.invalid(op)
	}
	return nil
}

// SetLumi records the integrated luminosity (metadata only)
func (c *Channel) SetLumi(lumi float64) error {
	if err := c.before(Finalized, "SetLumi"); err != nil {
		return err
	}
	if !(lumi > 0) {
		return core.NewConfigError("lumi", fmt.Sprintf("must be positive, got %g", lumi))
	}
	c.lumi = lumi
	return nil
}

// SetLumiScale scales every simulated histogram
func (c *Channel) SetLumiScale(scale float64) error {
	if err := c.before(AxesSet, "SetLumiScale"); err != nil {
		return err
	}
	if !(scale > 0) {
		return core.NewConfigError("lumiScale", fmt.Sprintf("must be positive, got %g", scale))
	}
	c.lumiScale = scale
	return nil
}

// AddOp appends a channel-wide histogram transform
func (c *Channel) AddOp(op HistOp) error {
	if err := c.before(AxesSet, "AddOp"); err != nil {
		return err
	}
	if err := op.validate(); err != nil {
		return err
	}
	c.ops = append(c.ops, op)
	return nil
}

// SetFakeName names the fit process that receives passToFakes variations
func (c *Channel) SetFakeName(group string) error {
	if err := c.before(SystematicsRegistered, "SetFakeName"); err != nil {
		return err
	}
	c.fake = group
	return nil
}

// ExcludeProcess drops fit processes whose name matches pattern
func (c *Channel) ExcludeProcess(pattern string) error {
	if err := c.before(AxesSet, "ExcludeProcess"); err != nil {
		return err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return core.NewConfigError("excludeProcesses", err.Error())
	}
	c.excluded = re
	return nil
}

// SetNuisanceFilter drops nuisances matching exclude unless they match keep
func (c *Channel) SetNuisanceFilter(exclude, keep string) error {
	if err := c.before(SystematicsRegistered, "SetNuisanceFilter"); err != nil {
		return err
	}
	for _, p := range []string{exclude, keep} {
		if _, err := regexp.Compile(p); err != nil {
			return core.NewConfigError("nuisanceFilter", err.Error())
		}
	}
	c.filterEx, c.filterKp = exclude, keep
	if c.registry != nil {
		return c.registry.SetFilter(exclude, keep)
	}
	return nil
}

// SetCustomGroupMapping adds nuisances whose name matches the pattern to the
// named systematic group
func (c *Channel) SetCustomGroupMapping(mapping map[string]string) error {
	if err := c.before(Finalized, "SetCustomGroupMapping"); err != nil {
		return err
	}
	for _, group := range core.SortedKeys(mapping) {
		re, err := regexp.Compile(mapping[group])
		if err != nil {
			return core.NewConfigError("customGroup "+group, err.Error())
		}
		c.custom[group] = re
	}
	return nil
}

// SetGenAxes records the generator-level axes of an unfolding channel
func (c *Channel) SetGenAxes(axes ...hist.Axis) error {
	if err := c.before(Finalized, "SetGenAxes"); err != nil {
		return err
	}
	c.genAxes = append([]hist.Axis(nil), axes...)
	return nil
}

// AddPOISumGroups declares integrated cross sections over the signal bins of
// the named split groups, or of every split group when none is named. Each
// split gets a total sum named after its prefix and, with more than one gen
// axis, one sum per bin of each axis.
func (c *Channel) AddPOISumGroups(parents ...string) error {
	if err := c.before(Finalized, "AddPOISumGroups"); err != nil {
		return err
	}
	c.poiSums = true
	if c.sumOf == nil {
		c.sumOf = make(map[string]bool)
	}
	for _, p := range parents {
		c.sumOf[p] = true
	}
	return nil
}

// SetNoStatUnc disables the bin-by-bin statistical uncertainty of fit processes
func (c *Channel) SetNoStatUnc(groups ...string) error {
	if err := c.before(Finalized, "SetNoStatUnc"); err != nil {
		return err
	}
	for _, g := range groups {
		c.noStatUnc[g] = true
	}
	return nil
}

// SetProcesses fixes the process/group snapshot
func (c *Channel) SetProcesses(snap *process.Snapshot) error {
	if c.state != Created {
		return c.invalid("SetProcesses")
	}
	if snap == nil {
		return core.NewConfigError("processes", "snapshot cannot be nil")
	}
	c.snap = snap
	c.state = ProcessesSet
	return nil
}

// SetFitAxes chooses the fit axes and materializes every group nominal and the
// observed data. Processes whose nominal is missing are reported by Finalize.
func (c *Channel) SetFitAxes(axes ...string) error {
	if c.state != ProcessesSet {
		return c.invalid("SetFitAxes")
	}
	if len(axes) == 0 {
		return core.NewConfigError("fitAxes", "need at least one axis")
	}
	c.fitAxes = append([]string(nil), axes...)

	for _, g := range c.snap.GroupNames() {
		if !c.active(g) {
			c.log.Debug("channel %s: process %s excluded", c.name, g)
			continue
		}
		h, missing, err := c.materialize(g, c.nominalName)
		if err != nil {
			return err
		}
		if c.snap.IsDataGroup(g) {
			if h == nil {
				c.log.Warn("channel %s: no observed data for %v", c.name, missing)
				continue
			}
			if c.data == nil {
				c.data = h.WithName("data_obs")
			} else if c.data, err = hist.Add(c.data, h, 1); err != nil {
				return err
			}
			continue
		}
		c.processes = append(c.processes, g)
		if h == nil {
			c.missing = append(c.missing, missing...)
			continue
		}
		c.nominals[g] = h
	}

	c.registry = syst.NewRegistry(c.snap, channelInputs{c}, c.log)
	if err := c.registry.SetFilter(c.filterEx, c.filterKp); err != nil {
		return err
	}
	c.state = AxesSet
	c.log.Info("channel %s: %d processes on axes %v", c.name, len(c.processes), c.fitAxes)
	return nil
}

func (c *Channel) hasSignalBins() bool {
	for _, g := range c.processes {
		if grp, _ := c.snap.Group(g); grp.Bin != nil && (len(c.sumOf) == 0 || c.sumOf[grp.Bin.Parent]) {
			return true
		}
	}
	return false
}

func (c *Channel) active(group string) bool {
	return c.excluded == nil || !c.excluded.MatchString(group)
}

// materialize sums the named histogram over the members of a group and
// projects it onto the fit axes. Members without the histogram are returned
// in missing and yield a nil histogram.
func (c *Channel) materialize(group, name string) (*hist.Histogram, []string, error) {
	g, ok := c.snap.Group(group)
	if !ok {
		return nil, nil, core.NewNotFoundError(core.ErrUnknownGroup, group)
	}
	var sum *hist.Histogram
	var missing []string
	for _, m := range g.Members {
		h, err := c.memberHistogram(m, name)
		if errors.Is(err, core.ErrNotFound) {
			missing = append(missing, m)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if sum == nil {
			sum = h
		} else if sum, err = hist.Add(sum, h, 1); err != nil {
			return nil, nil, fmt.Errorf("process %s: %w", m, err)
		}
	}
	if len(missing) > 0 || sum == nil {
		if len(g.Members) == 0 {
			missing = append(missing, group)
		}
		return nil, missing, nil
	}
	out, err := hist.Project(sum, c.fitAxes...)
	if err != nil {
		return nil, nil, fmt.Errorf("process %s: %w", group, err)
	}
	return out.WithName(group), nil, nil
}

func (c *Channel) memberHistogram(proc, name string) (*hist.Histogram, error) {
	p, ok := c.snap.Process(proc)
	if !ok {
		return nil, core.NewNotFoundError(core.ErrUnknownProcess, proc)
	}
	h, err := c.src.Histogram(p.SourceName(), name)
	if err != nil {
		return nil, err
	}
	if p.Op != nil {
		if h, err = p.Op(h); err != nil {
			return nil, fmt.Errorf("member op of %s: %w", proc, err)
		}
	}
	if !p.IsData && c.lumiScale != 1 {
		h = hist.Scale(h, c.lumiScale)
	}
	for _, op := range c.ops {
		if h, err = op.Apply(h, c.log); err != nil {
			return nil, fmt.Errorf("%s %s of %s/%s: %w", op.Kind, op.Axis, proc, name, err)
		}
	}
	return h, nil
}

// SetPseudodata replaces the observed data with the prediction summed over
// every simulated process
func (c *Channel) SetPseudodata(pd PseudoData) error {
	if c.state < AxesSet || c.state == Finalized {
		return c.invalid("SetPseudodata")
	}
	if pd.Histogram == "" {
		pd.Histogram = c.nominalName
	}
	var sum *hist.Histogram
	for _, g := range c.processes {
		grp, _ := c.snap.Group(g)
		for _, m := range grp.Members {
			h, err := c.memberHistogram(m, pd.Histogram)
			if err != nil {
				return fmt.Errorf("pseudodata: %w", err)
			}
			if pd.Axis != "" {
				if h, err = hist.SelectLabel(h, pd.Axis, pd.Label); err != nil {
					return fmt.Errorf("pseudodata: %w", err)
				}
			}
			if sum == nil {
				sum = h
			} else if sum, err = hist.Add(sum, h, 1); err != nil {
				return fmt.Errorf("pseudodata: %w", err)
			}
		}
	}
	if sum == nil {
		return core.NewConfigError("pseudodata", "no simulated process to sum")
	}
	data, err := hist.Project(sum, c.fitAxes...)
	if err != nil {
		return fmt.Errorf("pseudodata: %w", err)
	}
	values := data.Values()
	variances := data.Values()
	if pd.Poisson {
		src := rand.NewPCG(pd.Seed, pd.Seed^0x9e3779b97f4a7c15)
		for i, v := range values {
			if v <= 0 {
				values[i] = 0
			} else {
				values[i] = distuv.Poisson{Lambda: v, Src: src}.Rand()
			}
			variances[i] = values[i]
		}
	}
	if c.data, err = hist.FromFlowArrays("data_obs", data.Axes(), values, variances); err != nil {
		return err
	}
	c.pseudodata = true
	c.log.Info("channel %s: pseudodata from %s (poisson=%v)", c.name, pd.Histogram, pd.Poisson)
	return nil
}

func (c *Channel) beginSystematic(op string) error {
	if c.state != AxesSet && c.state != SystematicsRegistered {
		return c.invalid(op)
	}
	return nil
}

// AddSystematic registers a shape systematic
func (c *Channel) AddSystematic(def syst.Definition) ([]string, error) {
	if err := c.beginSystematic("AddSystematic"); err != nil {
		return nil, err
	}
	names, err := c.registry.Register(def)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", c.name, err)
	}
	c.state = SystematicsRegistered
	return names, nil
}

// AddLnN registers a normalization-only systematic
func (c *Channel) AddLnN(l syst.LnN) error {
	if err := c.beginSystematic("AddLnN"); err != nil {
		return err
	}
	if err := c.registry.AddLnN(l); err != nil {
		return fmt.Errorf("channel %s: %w", c.name, err)
	}
	c.state = SystematicsRegistered
	return nil
}

// ApplyTable registers every enabled entry in order and stops at the first
// failure
func (c *Channel) ApplyTable(entries []syst.TableEntry) error {
	for i, e := range entries {
		if e.Disabled {
			c.log.Debug("channel %s: systematic %s disabled", c.name, e.Name)
			continue
		}
		if e.IsLnN() {
			l, err := e.LnNDefinition()
			if err != nil {
				return fmt.Errorf("table entry %d: %w", i, err)
			}
			if err := c.AddLnN(l); err != nil {
				return err
			}
			continue
		}
		def, err := e.Definition()
		if err != nil {
			return fmt.Errorf("table entry %d: %w", i, err)
		}
		if _, err := c.AddSystematic(def); err != nil {
			return err
		}
	}
	return nil
}

// Finalize validates the channel and freezes it into a Result. A failed
// finalize leaves the channel open.
func (c *Channel) Finalize(checks Checks) (*Result, error) {
	if c.state != AxesSet && c.state != SystematicsRegistered {
		return nil, c.invalid("Finalize")
	}
	var problems []string
	if len(c.missing) > 0 {
		problems = append(problems, fmt.Sprintf("no nominal for %s", strings.Join(c.missing, ", ")))
	}
	if len(c.processes) == 0 {
		problems = append(problems, "no fit process")
	}
	if c.data == nil {
		problems = append(problems, "no observed data")
	}
	if c.poiSums && !c.hasSignalBins() {
		problems = append(problems, "POI sum groups requested without signal bins")
	}
	for _, reg := range c.registry.Registrations() {
		if len(reg.Processes) == 0 {
			problems = append(problems, fmt.Sprintf("systematic %s has no process", reg.Name))
		}
	}
	nuisances := c.registry.Nuisances()
	seen := make(map[string]bool, len(nuisances))
	for _, n := range nuisances {
		if seen[n.Name] {
			problems = append(problems, fmt.Sprintf("nuisance %s defined twice", n.Name))
		}
		seen[n.Name] = true
	}
	if checks.NonNegativeNominal {
		for _, g := range c.processes {
			if h := c.nominals[g]; h != nil {
				for i, v := range h.InRangeValues() {
					if v < 0 {
						problems = append(problems, fmt.Sprintf("negative nominal %g for %s in bin %d", v, g, i))
						break
					}
				}
			}
		}
	}
	if checks.NominalSupport {
		problems = append(problems, c.supportProblems(nuisances)...)
	}
	if len(problems) > 0 {
		err := fmt.Errorf("%w: channel %s: %s", core.ErrValidation, c.name, strings.Join(problems, "; "))
		c.log.Error("%v", err)
		return nil, err
	}

	res := c.result(nuisances)
	c.state = Finalized
	c.log.Info("channel %s finalized: %d processes, %d nuisances", c.name, len(res.Processes), len(res.Nuisances))
	return res, nil
}

// supportProblems reports shape variations that are nonzero where the nominal
// is zero, unless the systematic allows it
func (c *Channel) supportProblems(nuisances []*syst.Nuisance) []string {
	var problems []string
	for _, n := range nuisances {
		if n.Kind != syst.Shape || n.AllowNonzeroOffNominal {
			continue
		}
		for _, g := range n.Processes {
			nom := c.nominals[g]
			if nom == nil {
				continue
			}
			nv := nom.InRangeValues()
			for _, h := range []*hist.Histogram{n.Up[g], n.Down[g]} {
				for i, v := range h.InRangeValues() {
					if v != 0 && nv[i] == 0 {
						problems = append(problems, fmt.Sprintf("%s is nonzero where the nominal of %s is empty (bin %d)", n.Name, g, i))
						break
					}
				}
			}
		}
	}
	return problems
}

func (c *Channel) result(nuisances []*syst.Nuisance) *Result {
	res := &Result{
		Channel:    c.name,
		Processes:  append([]string(nil), c.processes...),
		Members:    make(map[string][]string, len(c.processes)),
		Nominal:    make(map[string]*hist.Histogram, len(c.processes)),
		Data:       c.data,
		Pseudodata: c.pseudodata,
		Nuisances:  nuisances,
		Lumi:       c.lumi,
		GenAxes:    append([]hist.Axis(nil), c.genAxes...),
		Fake:       c.fake,
		SystGroups: make(map[string][]string),
	}
	res.FitAxes = c.data.Axes()
	for _, g := range c.processes {
		grp, _ := c.snap.Group(g)
		res.Members[g] = grp.Members
		res.Nominal[g] = c.nominals[g]
		if grp.Unconstrained {
			res.Unconstrained = append(res.Unconstrained, g)
		}
		if grp.Bin != nil {
			if res.GenBins == nil {
				res.GenBins = make(map[string]process.GenBin)
			}
			res.GenBins[g] = *grp.Bin
			if c.poiSums && (len(c.sumOf) == 0 || c.sumOf[grp.Bin.Parent]) {
				res.addPOISum(g, grp.Bin)
			}
		}
		if c.noStatUnc[g] {
			res.NoStatUnc = append(res.NoStatUnc, g)
		}
	}
	for _, n := range nuisances {
		for _, grp := range n.Groups {
			res.SystGroups[grp] = append(res.SystGroups[grp], n.Name)
		}
		for _, grp := range core.SortedKeys(c.custom) {
			if c.custom[grp].MatchString(n.Name) {
				res.SystGroups[grp] = append(res.SystGroups[grp], n.Name)
			}
		}
	}
	for grp, names := range res.SystGroups {
		sort.Strings(names)
		res.SystGroups[grp] = dedupe(names)
	}
	return res
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// channelInputs exposes the channel's histograms to the systematic registry
type channelInputs struct{ c *Channel }

func (in channelInputs) FitAxes() []string   { return append([]string(nil), in.c.fitAxes...) }
func (in channelInputs) NominalName() string { return in.c.nominalName }
func (in channelInputs) FakeGroup() string   { return in.c.fake }
func (in channelInputs) Active(g string) bool {
	return in.c.active(g)
}

func (in channelInputs) GroupNominal(group string) (*hist.Histogram, error) {
	h, ok := in.c.nominals[group]
	if !ok {
		return nil, fmt.Errorf("%w: no nominal for %q", core.ErrUnknownHist, group)
	}
	return h, nil
}

func (in channelInputs) MemberHistogram(proc, name string) (*hist.Histogram, error) {
	return in.c.memberHistogram(proc, name)
}
