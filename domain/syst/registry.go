package syst

import (
	"fmt"
	"regexp"

	"datacard/domain/core"
	"datacard/domain/hist"
	"datacard/domain/process"
)

// Logger is the subset of the application logger the registry uses
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Inputs gives the registry access to the channel's histograms
type Inputs interface {
	// FitAxes names the axes of every nominal and variation
	FitAxes() []string
	// NominalName is the histogram read when a definition names none
	NominalName() string
	// GroupNominal is the nominal of a fit process over the fit axes
	GroupNominal(group string) (*hist.Histogram, error)
	// MemberHistogram reads one histogram of a process with its member op,
	// luminosity scaling and channel-wide rebinning applied
	MemberHistogram(process, name string) (*hist.Histogram, error)
	// FakeGroup names the data-driven background, or ""
	FakeGroup() string
	// Active is false for fit processes excluded from the channel
	Active(group string) bool
}

// Registration records what one Register call resolved and produced
type Registration struct {
	Name      string
	Processes []string
	Nuisances []string
}

// Registry turns systematic definitions into nuisances for one channel. It
// reads a frozen process snapshot and is not safe for concurrent use.
type Registry struct {
	snap          *process.Snapshot
	in            Inputs
	log           Logger
	nuisances     map[string]*Nuisance
	registrations []Registration
	exclude, keep *regexp.Regexp
}

// NewRegistry creates an empty registry. log may be nil.
func NewRegistry(snap *process.Snapshot, in Inputs, log Logger) *Registry {
	if log == nil {
		log = nopLogger{}
	}
	return &Registry{
		snap:      snap,
		in:        in,
		log:       log,
		nuisances: make(map[string]*Nuisance),
	}
}

// SetFilter drops nuisances whose name matches exclude unless it also matches
// keep. Empty patterns disable the respective side.
func (r *Registry) SetFilter(exclude, keep string) error {
	var err error
	r.exclude, r.keep = nil, nil
	if exclude != "" {
		if r.exclude, err = regexp.Compile(exclude); err != nil {
			return core.NewConfigError("excludeNuisances", err.Error())
		}
	}
	if keep != "" {
		if r.keep, err = regexp.Compile(keep); err != nil {
			return core.NewConfigError("keepNuisances", err.Error())
		}
	}
	return nil
}

func (r *Registry) filtered(name string) bool {
	if r.exclude == nil || !r.exclude.MatchString(name) {
		return false
	}
	return r.keep == nil || !r.keep.MatchString(name)
}

// Register builds the nuisances of one systematic and returns their names.
// Nothing is recorded when it fails.
func (r *Registry) Register(def Definition) ([]string, error) {
	names, err := r.register(def)
	if err != nil {
		r.log.Error("%v", err)
		return nil, err
	}
	return names, nil
}

// AddLnN registers a normalization-only nuisance
func (r *Registry) AddLnN(l LnN) error {
	if err := r.addLnN(l); err != nil {
		r.log.Error("%v", err)
		return err
	}
	return nil
}

// LnN describes a log-normal normalization uncertainty
type LnN struct {
	Name         string
	Processes    []string
	Size         float64
	Group        string
	SplitGroup   map[string]string
	NoConstraint bool
	NOI          bool
}

func (r *Registry) addLnN(l LnN) error {
	if l.Name == "" {
		return core.NewConfigError("lnN", "name cannot be empty")
	}
	if !(l.Size > 0) {
		return core.NewSystematicError(l.Name, "", "", core.NewConfigError("size", fmt.Sprintf("must be positive, got %g", l.Size)))
	}
	groups, err := r.resolve(l.Processes)
	if err != nil {
		return core.NewSystematicError(l.Name, "", "", err)
	}
	reg := Registration{Name: l.Name, Processes: groups}
	if len(groups) == 0 {
		r.log.Warn("lnN %s: no active process among %v", l.Name, l.Processes)
		r.registrations = append(r.registrations, reg)
		return nil
	}
	if r.filtered(l.Name) {
		r.log.Debug("lnN %s: excluded by nuisance filter", l.Name)
		r.registrations = append(r.registrations, reg)
		return nil
	}
	if err := r.checkFree(l.Name); err != nil {
		return core.NewSystematicError(l.Name, "", "", err)
	}
	groupsOf, err := nuisanceGroups(l.Name, l.Group, l.SplitGroup)
	if err != nil {
		return core.NewSystematicError(l.Name, "", "", err)
	}
	r.nuisances[l.Name] = &Nuisance{
		Name:        l.Name,
		Kind:        LogNormal,
		Systematic:  l.Name,
		Groups:      groupsOf,
		NOI:         l.NOI,
		Constrained: !(l.NoConstraint || l.NOI),
		Processes:   groups,
		Size:        l.Size,
	}
	reg.Nuisances = []string{l.Name}
	r.registrations = append(r.registrations, reg)
	r.log.Debug("lnN %s: size %g on %v", l.Name, l.Size, groups)
	return nil
}

// pending collects the two sides of one nuisance, one histogram per fit process
type pending struct {
	name     string
	up, down []*hist.Histogram
}

type variation struct {
	labels []string
	hists  []*hist.Histogram
}

func (r *Registry) register(def Definition) ([]string, error) {
	key := def.Key()
	if err := def.validate(); err != nil {
		return nil, core.NewSystematicError(key, "", "", err)
	}

	// processes are resolved now; later registry edits do not reach this systematic
	groups, err := r.resolve(def.Processes)
	if err != nil {
		return nil, core.NewSystematicError(key, "", "", err)
	}
	reg := Registration{Name: key, Processes: groups}
	if len(groups) == 0 {
		r.log.Warn("systematic %s: no active process among %v", key, def.Processes)
		r.registrations = append(r.registrations, reg)
		return nil, nil
	}

	preOps := make(map[string]process.MemberOp, len(def.PreOps))
	for member, op := range def.PreOps {
		preOps[member] = op
	}

	fitAxes := r.in.FitAxes()
	target := append(append([]string(nil), fitAxes...), def.SystAxes...)
	nominals := make([]*hist.Histogram, len(groups))
	shaped := make([]*hist.Histogram, len(groups))
	for i, g := range groups {
		if nominals[i], err = r.in.GroupNominal(g); err != nil {
			return nil, core.NewSystematicError(key, g, "", err)
		}
		read, err := r.readGroup(def, g, preOps)
		if err != nil {
			return nil, err
		}
		var present []string
		for _, a := range target {
			if read.HasAxis(a) {
				present = append(present, a)
			}
		}
		if read, err = hist.Project(read, present...); err != nil {
			return nil, core.NewSystematicError(key, g, "", err)
		}
		v := read
		if def.Action != nil {
			if v, err = def.Action.Apply(Input{Read: read, Nominal: nominals[i]}); err != nil {
				return nil, core.NewSystematicError(key, g, "", fmt.Errorf("%w: %s: %w", core.ErrUnknownAction, def.Action.Kind(), err))
			}
		}
		if shaped[i], err = hist.Project(v, target...); err != nil {
			return nil, core.NewSystematicError(key, g, "", err)
		}
	}

	systAxes := make([]hist.Axis, len(def.SystAxes))
	for k, name := range def.SystAxes {
		systAxes[k], _, _ = shaped[0].Axis(name)
		for i := 1; i < len(shaped); i++ {
			other, _, _ := shaped[i].Axis(name)
			if err := systAxes[k].Compatible(other); err != nil {
				return nil, core.NewSystematicError(key, groups[i], name, err)
			}
		}
	}

	vars, err := r.enumerate(def, systAxes, shaped)
	if err != nil {
		return nil, err
	}

	// naming
	if len(def.OutNames) > 0 && len(def.OutNames) != len(vars) {
		return nil, core.NewSystematicError(key, "", "", core.NewConfigError("outNames",
			fmt.Sprintf("%d names for %d variations", len(def.OutNames), len(vars))))
	}
	var order []*pending
	byName := make(map[string]*pending)
	for i, v := range vars {
		name, isUp := def.variationName(systAxes, v.labels)
		if len(def.OutNames) > 0 {
			if def.OutNames[i] == "" {
				continue
			}
			name, isUp = splitSide(def.OutNames[i])
		}
		base := def.finishName(name)
		p, ok := byName[base]
		if !ok {
			p = &pending{name: base}
			byName[base] = p
			order = append(order, p)
		}
		side, suffix := &p.down, "Down"
		if isUp {
			side, suffix = &p.up, "Up"
		}
		if *side != nil {
			return nil, core.NewSystematicError(key, "", "", fmt.Errorf("%w: %q produced twice", core.ErrNameCollision, base+suffix))
		}
		*side = v.hists
	}
	if len(order) == 0 {
		return nil, core.NewSystematicError(key, "", "", fmt.Errorf("%w: every variation was removed by outNames", core.ErrEmptyVariationSet))
	}

	var built []*Nuisance
	for _, p := range order {
		if r.filtered(p.name) {
			r.log.Debug("systematic %s: %s excluded by nuisance filter", key, p.name)
			continue
		}
		if err := r.checkFree(p.name); err != nil {
			return nil, core.NewSystematicError(key, "", "", err)
		}
		n, err := r.complete(def, p, groups, nominals)
		if err != nil {
			return nil, err
		}
		built = append(built, n)
	}

	if def.PassToFakes {
		if err := r.passToFakes(key, built, groups, nominals); err != nil {
			return nil, err
		}
	}

	for _, n := range built {
		r.nuisances[n.Name] = n
		reg.Nuisances = append(reg.Nuisances, n.Name)
	}
	r.registrations = append(r.registrations, reg)
	r.log.Debug("systematic %s: %d nuisances on %v", key, len(built), groups)
	return append([]string(nil), reg.Nuisances...), nil
}

// readGroup sums the read histogram over the members of a fit process
func (r *Registry) readGroup(def Definition, group string, preOps map[string]process.MemberOp) (*hist.Histogram, error) {
	key := def.Key()
	name := def.Histogram
	if name == "" {
		name = r.in.NominalName()
	}
	g, _ := r.snap.Group(group)
	var sum *hist.Histogram
	for _, m := range g.Members {
		h, err := r.in.MemberHistogram(m, name)
		if err != nil {
			return nil, core.NewSystematicError(key, m, "", err)
		}
		if op := preOps[m]; op != nil {
			if h, err = op(h); err != nil {
				return nil, core.NewSystematicError(key, m, "", err)
			}
		}
		if sum == nil {
			sum = h.WithName(group)
			continue
		}
		if sum, err = hist.Add(sum, h, 1); err != nil {
			return nil, core.NewSystematicError(key, m, "", err)
		}
	}
	if sum == nil {
		return nil, core.NewSystematicError(key, group, "", core.NewConfigError("group", "has no members"))
	}
	return sum, nil
}

// enumerate produces one variation per combination of systematic-axis bins,
// minus the skipped ones
func (r *Registry) enumerate(def Definition, systAxes []hist.Axis, shaped []*hist.Histogram) ([]variation, error) {
	key := def.Key()
	total := 1
	for _, a := range systAxes {
		total *= a.Size()
	}
	idx := make([]int, len(systAxes))
	var vars []variation
	for n := 0; n < total; n++ {
		rest := n
		for k := len(systAxes) - 1; k >= 0; k-- {
			idx[k] = rest % systAxes[k].Size()
			rest /= systAxes[k].Size()
		}
		labels := make([]string, len(systAxes))
		for k, a := range systAxes {
			labels[k] = a.BinLabel(idx[k])
		}
		if skipped(def.SkipEntries, systAxes, labels) {
			continue
		}
		v := variation{labels: labels, hists: make([]*hist.Histogram, len(shaped))}
		for i, h := range shaped {
			var err error
			for k, a := range systAxes {
				if h, err = hist.SelectBin(h, a.Name, idx[k]); err != nil {
					return nil, core.NewSystematicError(key, "", a.Name, err)
				}
			}
			v.hists[i] = h
		}
		vars = append(vars, v)
	}
	if len(vars) == 0 {
		return nil, core.NewSystematicError(key, "", "", fmt.Errorf("%w: %d variations, all skipped", core.ErrEmptyVariationSet, total))
	}
	return vars, nil
}

// complete scales the declared sides and synthesizes a missing one
func (r *Registry) complete(def Definition, p *pending, groups []string, nominals []*hist.Histogram) (*Nuisance, error) {
	key := def.Key()
	if p.up == nil && p.down == nil {
		return nil, core.NewSystematicError(key, "", "", fmt.Errorf("%w: %s has no variation", core.ErrEmptyVariationSet, p.name))
	}
	n := &Nuisance{
		Name:                   p.name,
		Kind:                   Shape,
		Systematic:             key,
		NOI:                    def.NOI,
		Constrained:            !(def.NoConstraint || def.NOI),
		Processes:              append([]string(nil), groups...),
		Up:                     make(map[string]*hist.Histogram, len(groups)),
		Down:                   make(map[string]*hist.Histogram, len(groups)),
		AllowNonzeroOffNominal: def.AllowNonzeroOffNominal,
	}
	var err error
	if n.Groups, err = nuisanceGroups(p.name, def.Group, def.SplitGroup); err != nil {
		return nil, core.NewSystematicError(key, "", "", err)
	}
	s := def.scale()
	for i, g := range groups {
		nom := nominals[i]
		var up, down *hist.Histogram
		if p.up != nil {
			if up, err = scaleShift(nom, p.up[i], s); err != nil {
				return nil, core.NewSystematicError(key, g, "", err)
			}
		}
		if p.down != nil {
			if down, err = scaleShift(nom, p.down[i], s); err != nil {
				return nil, core.NewSystematicError(key, g, "", err)
			}
		}
		switch {
		case up != nil && down != nil:
		case def.Mirror:
			if up == nil {
				up, err = hist.Mirror(nom, down)
			} else {
				down, err = hist.Mirror(nom, up)
			}
			if err != nil {
				return nil, core.NewSystematicError(key, g, "", err)
			}
		case def.MirrorDownVarEqualToNomi:
			if up == nil {
				up = nom.Clone()
			} else {
				down = nom.Clone()
			}
		default:
			return nil, core.NewSystematicError(key, g, "", core.NewConfigError("variation",
				fmt.Sprintf("%s has only one side; enable mirroring or provide both", p.name)))
		}
		n.Up[g] = up.WithName(p.name + "Up")
		n.Down[g] = down.WithName(p.name + "Down")
	}
	return n, nil
}

// scaleShift returns nominal + s·(varied − nominal)
func scaleShift(nominal, varied *hist.Histogram, s float64) (*hist.Histogram, error) {
	if s == 1 {
		return varied, nil
	}
	return hist.Add(hist.Scale(varied, s), nominal, 1-s)
}

// passToFakes applies the relative effect on the affected processes to the
// nominal of the fake estimate, bin by bin
func (r *Registry) passToFakes(key string, built []*Nuisance, groups []string, nominals []*hist.Histogram) error {
	fake := r.in.FakeGroup()
	if fake == "" {
		r.log.Debug("systematic %s: passToFakes without a fake process", key)
		return nil
	}
	for _, g := range groups {
		if g == fake {
			return nil
		}
	}
	if _, ok := r.snap.Group(fake); !ok || !r.in.Active(fake) {
		r.log.Debug("systematic %s: fake process %s not in channel", key, fake)
		return nil
	}
	fakeNom, err := r.in.GroupNominal(fake)
	if err != nil {
		return core.NewSystematicError(key, fake, "", err)
	}
	nomSum, err := sumAll(nominals)
	if err != nil {
		return core.NewSystematicError(key, fake, "", err)
	}
	for _, n := range built {
		ups := make([]*hist.Histogram, len(groups))
		downs := make([]*hist.Histogram, len(groups))
		for i, g := range groups {
			ups[i], downs[i] = n.Up[g], n.Down[g]
		}
		up, err := relativeOnto(fakeNom, ups, nomSum)
		if err != nil {
			return core.NewSystematicError(key, fake, "", err)
		}
		down, err := relativeOnto(fakeNom, downs, nomSum)
		if err != nil {
			return core.NewSystematicError(key, fake, "", err)
		}
		n.Processes = append(n.Processes, fake)
		n.Up[fake] = up.WithName(n.Name + "Up")
		n.Down[fake] = down.WithName(n.Name + "Down")
	}
	return nil
}

func relativeOnto(target *hist.Histogram, varied []*hist.Histogram, nomSum *hist.Histogram) (*hist.Histogram, error) {
	varSum, err := sumAll(varied)
	if err != nil {
		return nil, err
	}
	ratio, err := hist.Ratio(varSum, nomSum)
	if err != nil {
		return nil, err
	}
	return hist.Multiply(target, ratio)
}

func sumAll(hs []*hist.Histogram) (*hist.Histogram, error) {
	out := hs[0]
	var err error
	for _, h := range hs[1:] {
		if out, err = hist.Add(out, h, 1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nuisanceGroups(name, group string, split map[string]string) ([]string, error) {
	var out []string
	if group != "" {
		out = append(out, group)
	}
	for _, sub := range core.SortedKeys(split) {
		re, err := regexp.Compile(split[sub])
		if err != nil {
			return nil, core.NewConfigError("splitGroup", err.Error())
		}
		if re.MatchString(name) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *Registry) checkFree(name string) error {
	if prev, ok := r.nuisances[name]; ok {
		return fmt.Errorf("%w: %q already produced by %s", core.ErrNameCollision, name, prev.Systematic)
	}
	return nil
}

// resolve turns process names into the active, non-data fit processes
func (r *Registry) resolve(names []string) ([]string, error) {
	groups, err := r.snap.Resolve(names...)
	if err != nil {
		return nil, err
	}
	out := groups[:0]
	for _, g := range groups {
		if r.snap.IsDataGroup(g) || !r.in.Active(g) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Nuisance returns a copy of the named nuisance
func (r *Registry) Nuisance(name string) (*Nuisance, bool) {
	n, ok := r.nuisances[name]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Nuisances returns copies of every nuisance, NOIs first then by name
func (r *Registry) Nuisances() []*Nuisance {
	out := make([]*Nuisance, 0, len(r.nuisances))
	for _, n := range r.nuisances {
		out = append(out, n.clone())
	}
	SortNuisances(out)
	return out
}

// Registrations lists every Register and AddLnN call that succeeded, in order
func (r *Registry) Registrations() []Registration {
	out := make([]Registration, len(r.registrations))
	for i, reg := range r.registrations {
		out[i] = Registration{
			Name:      reg.Name,
			Processes: append([]string(nil), reg.Processes...),
			Nuisances: append([]string(nil), reg.Nuisances...),
		}
	}
	return out
}
