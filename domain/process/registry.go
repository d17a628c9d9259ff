// Package process keeps the samples delivered by the histogram source and the
// fit groups built from them. Groups reference processes by name only.
package process

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"datacard/domain/core"
	"datacard/domain/hist"
)

// MemberOp is a lazy transform applied to a process histogram when it is read
type MemberOp func(h *hist.Histogram) (*hist.Histogram, error)

// Predicate selects names
type Predicate func(name string) bool

// MatchRegexp compiles pattern into a predicate using unanchored matching
func MatchRegexp(pattern string) (Predicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, core.NewConfigError("pattern", err.Error())
	}
	return re.MatchString, nil
}

// MatchNames selects exactly the listed names
func MatchNames(names ...string) Predicate {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

// MatchPrefix selects names starting with any of the prefixes
func MatchPrefix(prefixes ...string) Predicate {
	return func(name string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
}

// Process is one sample of the histogram source
type Process struct {
	Name   string
	IsData bool
	Op     MemberOp
	// Source is the sample whose histograms are read; empty means Name
	Source string
}

// SourceName is the name the histogram source knows the process by
func (p Process) SourceName() string {
	if p.Source != "" {
		return p.Source
	}
	return p.Name
}

// GenBin places a group at one generator-level bin of the group it was split from
type GenBin struct {
	Parent string
	Prefix string
	Axes   []string
	Index  []int
}

// Group is one fit process; Members are process names
type Group struct {
	Name          string
	Members       []string
	Unconstrained bool
	// Bin is set on groups made by DefineSignalBins
	Bin *GenBin
}

func (g Group) clone() Group {
	g.Members = append([]string(nil), g.Members...)
	if g.Bin != nil {
		b := *g.Bin
		b.Axes = append([]string(nil), b.Axes...)
		b.Index = append([]int(nil), b.Index...)
		g.Bin = &b
	}
	return g
}

// Registry holds processes, groups and selections while a channel is being
// configured. It is not safe for concurrent use.
type Registry struct {
	processes    map[string]*Process
	processOrder []string
	groups       map[string]*Group
	groupOrder   []string
	selections   map[string][]string
	selOrder     []string
}

// NewRegistry creates a registry holding the given processes
func NewRegistry(processes ...Process) (*Registry, error) {
	r := &Registry{
		processes:  make(map[string]*Process),
		groups:     make(map[string]*Group),
		selections: make(map[string][]string),
	}
	for _, p := range processes {
		if err := r.AddProcess(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddProcess declares a sample
func (r *Registry) AddProcess(p Process) error {
	if p.Name == "" {
		return core.NewConfigError("process", "name cannot be empty")
	}
	if _, exists := r.processes[p.Name]; exists {
		return core.NewConfigError("process", fmt.Sprintf("%q declared twice", p.Name))
	}
	cp := p
	r.processes[p.Name] = &cp
	r.processOrder = append(r.processOrder, p.Name)
	return nil
}

// Processes lists process names in declaration order
func (r *Registry) Processes() []string {
	return append([]string(nil), r.processOrder...)
}

// GroupNames lists group names in creation order
func (r *Registry) GroupNames() []string {
	return append([]string(nil), r.groupOrder...)
}

// Group returns a copy of the named group
func (r *Registry) Group(name string) (Group, bool) {
	g, ok := r.groups[name]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

func (r *Registry) nameTaken(name string) bool {
	_, g := r.groups[name]
	_, s := r.selections[name]
	return g || s
}

// AddGroup creates a group from every known process whose name matches
func (r *Registry) AddGroup(name string, match Predicate) error {
	if name == "" {
		return core.NewConfigError("group", "name cannot be empty")
	}
	if r.nameTaken(name) {
		return core.NewNotFoundError(core.ErrDuplicateGroup, name)
	}
	g := &Group{Name: name}
	for _, p := range r.processOrder {
		if match(p) {
			g.Members = append(g.Members, p)
		}
	}
	r.groups[name] = g
	r.groupOrder = append(r.groupOrder, name)
	return nil
}

// CopyGroup creates dst with the members of src that pass keep (nil keeps all)
func (r *Registry) CopyGroup(src, dst string, keep Predicate) error {
	g, ok := r.groups[src]
	if !ok {
		return core.NewNotFoundError(core.ErrUnknownGroup, src)
	}
	if r.nameTaken(dst) {
		return core.NewNotFoundError(core.ErrDuplicateGroup, dst)
	}
	cp := &Group{Name: dst, Unconstrained: g.Unconstrained}
	for _, m := range g.Members {
		if keep == nil || keep(m) {
			cp.Members = append(cp.Members, m)
		}
	}
	r.groups[dst] = cp
	r.groupOrder = append(r.groupOrder, dst)
	return nil
}

// DeleteGroup removes a group and drops it from every selection
func (r *Registry) DeleteGroup(name string) error {
	if _, ok := r.groups[name]; !ok {
		return core.NewNotFoundError(core.ErrUnknownGroup, name)
	}
	delete(r.groups, name)
	r.groupOrder = without(r.groupOrder, name)
	for sel, groups := range r.selections {
		r.selections[sel] = without(groups, name)
	}
	return nil
}

// AddMembers appends processes to a group
func (r *Registry) AddMembers(group string, names ...string) error {
	g, ok := r.groups[group]
	if !ok {
		return core.NewNotFoundError(core.ErrUnknownGroup, group)
	}
	for _, n := range names {
		if _, ok := r.processes[n]; !ok {
			return core.NewNotFoundError(core.ErrUnknownProcess, n)
		}
		for _, m := range g.Members {
			if m == n {
				return fmt.Errorf("%w: %q already in group %q", core.ErrDuplicateMember, n, group)
			}
		}
		g.Members = append(g.Members, n)
	}
	return nil
}

// DeleteMembers removes every member of group for which drop returns true
func (r *Registry) DeleteMembers(group string, drop Predicate) error {
	g, ok := r.groups[group]
	if !ok {
		return core.NewNotFoundError(core.ErrUnknownGroup, group)
	}
	kept := g.Members[:0]
	for _, m := range g.Members {
		if !drop(m) {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	return nil
}

// SetMemberOp attaches a lazy transform to a process, replacing any earlier one
func (r *Registry) SetMemberOp(process string, op MemberOp) error {
	p, ok := r.processes[process]
	if !ok {
		return core.NewNotFoundError(core.ErrUnknownProcess, process)
	}
	p.Op = op
	return nil
}

// DefineSignalBins splits the members of group that pass keep (nil keeps all)
// into one unconstrained group per in-range bin of the generator-level axes.
// Each new group is named prefix followed by "_<axis><index>" per axis and holds
// one derived process per member, reading the member's histograms through its
// current member op and then selecting the bin. The split members leave group,
// and group is deleted when nothing is left in it. The new group names are
// returned in row-major bin order.
func (r *Registry) DefineSignalBins(group, prefix string, axes []hist.Axis, keep Predicate) ([]string, error) {
	g, ok := r.groups[group]
	if !ok {
		return nil, core.NewNotFoundError(core.ErrUnknownGroup, group)
	}
	if prefix == "" {
		prefix = group
	}
	if len(axes) == 0 {
		return nil, core.NewConfigError("genAxes", "signal bins need at least one axis")
	}
	names := make([]string, len(axes))
	total := 1
	for k, a := range axes {
		for _, prev := range names[:k] {
			if prev == a.Name {
				return nil, core.NewConfigError("genAxes", fmt.Sprintf("axis %q listed twice", a.Name))
			}
		}
		if a.Size() < 1 {
			return nil, core.NewConfigError("genAxes", fmt.Sprintf("axis %q has no bins", a.Name))
		}
		names[k] = a.Name
		total *= a.Size()
	}
	var moved []string
	for _, m := range g.Members {
		if keep == nil || keep(m) {
			moved = append(moved, m)
		}
	}
	if len(moved) == 0 {
		return nil, core.NewConfigError("signalBins", fmt.Sprintf("no member of %q to split", group))
	}

	var created []*Group
	var derived []*Process
	taken := make(map[string]bool)
	idx := make([]int, len(axes))
	for n := 0; n < total; n++ {
		rest := n
		for k := len(axes) - 1; k >= 0; k-- {
			idx[k] = rest % axes[k].Size()
			rest /= axes[k].Size()
		}
		suffix := ""
		for k, a := range axes {
			suffix += "_" + a.Name + strconv.Itoa(idx[k])
		}
		bg := &Group{
			Name:          prefix + suffix,
			Unconstrained: true,
			Bin:           &GenBin{Parent: group, Prefix: prefix, Axes: append([]string(nil), names...), Index: append([]int(nil), idx...)},
		}
		if r.nameTaken(bg.Name) || taken[bg.Name] {
			return nil, core.NewNotFoundError(core.ErrDuplicateGroup, bg.Name)
		}
		taken[bg.Name] = true
		for _, m := range moved {
			src := r.processes[m]
			name := m + suffix
			if _, exists := r.processes[name]; exists || taken[name] {
				return nil, core.NewConfigError("process", fmt.Sprintf("%q declared twice", name))
			}
			taken[name] = true
			derived = append(derived, &Process{
				Name:   name,
				Source: src.SourceName(),
				Op:     selectBins(src.Op, names, bg.Bin.Index),
			})
			bg.Members = append(bg.Members, name)
		}
		created = append(created, bg)
	}

	for _, p := range derived {
		r.processes[p.Name] = p
		r.processOrder = append(r.processOrder, p.Name)
	}
	out := make([]string, len(created))
	for i, bg := range created {
		r.groups[bg.Name] = bg
		r.groupOrder = append(r.groupOrder, bg.Name)
		out[i] = bg.Name
	}
	if len(moved) == len(g.Members) {
		return out, r.DeleteGroup(group)
	}
	return out, r.DeleteMembers(group, MatchNames(moved...))
}

// selectBins runs base, then removes each axis by picking its bin. axes and
// index are owned by the returned op.
func selectBins(base MemberOp, axes []string, index []int) MemberOp {
	return func(h *hist.Histogram) (*hist.Histogram, error) {
		var err error
		if base != nil {
			if h, err = base(h); err != nil {
				return nil, err
			}
		}
		for k, a := range axes {
			if h, err = hist.SelectBin(h, a, index[k]); err != nil {
				return nil, fmt.Errorf("gen bin %s%d: %w", a, index[k], err)
			}
		}
		return h, nil
	}
}

// SetUnconstrained lets the group normalization float freely in the fit
func (r *Registry) SetUnconstrained(group string) error {
	g, ok := r.groups[group]
	if !ok {
		return core.NewNotFoundError(core.ErrUnknownGroup, group)
	}
	g.Unconstrained = true
	return nil
}

// AddSelection names the current groups matching a predicate, so systematics
// can target several groups at once
func (r *Registry) AddSelection(name string, match Predicate) error {
	if r.nameTaken(name) {
		return core.NewNotFoundError(core.ErrDuplicateGroup, name)
	}
	var groups []string
	for _, g := range r.groupOrder {
		if match(g) {
			groups = append(groups, g)
		}
	}
	r.selections[name] = groups
	r.selOrder = append(r.selOrder, name)
	return nil
}

// Resolve expands group and selection names to group names
func (r *Registry) Resolve(names ...string) ([]string, error) {
	return resolve(names, func(n string) bool { _, ok := r.groups[n]; return ok }, r.selections)
}

// Snapshot freezes the registry. Every process may belong to at most one group.
func (r *Registry) Snapshot() (*Snapshot, error) {
	owner := make(map[string]string)
	s := &Snapshot{
		processes:    make(map[string]Process, len(r.processes)),
		processOrder: append([]string(nil), r.processOrder...),
		groups:       make(map[string]Group, len(r.groups)),
		groupOrder:   append([]string(nil), r.groupOrder...),
		selections:   make(map[string][]string, len(r.selections)),
		owner:        owner,
	}
	for name, p := range r.processes {
		s.processes[name] = *p
	}
	for _, name := range r.groupOrder {
		g := r.groups[name]
		for _, m := range g.Members {
			if prev, taken := owner[m]; taken {
				return nil, core.NewConfigError("groups", fmt.Sprintf("process %q belongs to both %q and %q", m, prev, name))
			}
			owner[m] = name
		}
		s.groups[name] = g.clone()
	}
	for name, groups := range r.selections {
		s.selections[name] = append([]string(nil), groups...)
	}
	return s, nil
}

// Snapshot is a frozen view of a Registry consumed by channels and the
// systematic registry
type Snapshot struct {
	processes    map[string]Process
	processOrder []string
	groups       map[string]Group
	groupOrder   []string
	selections   map[string][]string
	owner        map[string]string
}

// Process looks up a process
func (s *Snapshot) Process(name string) (Process, bool) {
	p, ok := s.processes[name]
	return p, ok
}

// Group looks up a group
func (s *Snapshot) Group(name string) (Group, bool) {
	g, ok := s.groups[name]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

// GroupNames lists groups in creation order
func (s *Snapshot) GroupNames() []string {
	return append([]string(nil), s.groupOrder...)
}

// GroupOf returns the group a process belongs to
func (s *Snapshot) GroupOf(process string) (string, bool) {
	g, ok := s.owner[process]
	return g, ok
}

// IsDataGroup reports whether every member of the group is a data process
func (s *Snapshot) IsDataGroup(name string) bool {
	g, ok := s.groups[name]
	if !ok || len(g.Members) == 0 {
		return false
	}
	for _, m := range g.Members {
		if !s.processes[m].IsData {
			return false
		}
	}
	return true
}

// Resolve expands group and selection names to group names, keeping first
// occurrence order
func (s *Snapshot) Resolve(names ...string) ([]string, error) {
	return resolve(names, func(n string) bool { _, ok := s.groups[n]; return ok }, s.selections)
}

func resolve(names []string, isGroup func(string) bool, selections map[string][]string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(g string) {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	for _, n := range names {
		switch {
		case isGroup(n):
			add(n)
		case selections[n] != nil:
			for _, g := range selections[n] {
				add(g)
			}
		default:
			if _, ok := selections[n]; ok {
				// selection that matched nothing
				continue
			}
			return nil, core.NewNotFoundError(core.ErrUnknownGroup, n)
		}
	}
	return out, nil
}

func without(list []string, name string) []string {
	out := list[:0]
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}
