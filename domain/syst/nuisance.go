package syst

import (
	"fmt"
	"sort"

	"datacard/domain/hist"
)

// Kind tells shape nuisances from normalization-only ones
type Kind int

const (
	Shape Kind = iota
	LogNormal
)

func (k Kind) String() string {
	switch k {
	case Shape:
		return "shape"
	case LogNormal:
		return "lnN"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Nuisance is one fit parameter with its effect on each affected fit process
type Nuisance struct {
	Name       string
	Kind       Kind
	Systematic string
	Groups     []string
	NOI        bool
	// Constrained is false for NOIs and noConstraint systematics
	Constrained bool
	// Processes lists the affected fit processes in registration order
	Processes []string
	Up        map[string]*hist.Histogram
	Down      map[string]*hist.Histogram
	// Size is the log-normal kappa of LogNormal nuisances
	Size                   float64
	AllowNonzeroOffNominal bool
}

// Affects reports whether the nuisance acts on the fit process
func (n *Nuisance) Affects(process string) bool {
	for _, p := range n.Processes {
		if p == process {
			return true
		}
	}
	return false
}

// Shifts returns the up and down histograms for a process. Log-normal
// nuisances scale the nominal by Size and 1/Size.
func (n *Nuisance) Shifts(process string, nominal *hist.Histogram) (up, down *hist.Histogram, ok bool) {
	if !n.Affects(process) {
		return nil, nil, false
	}
	if n.Kind == LogNormal {
		return hist.Scale(nominal, n.Size), hist.Scale(nominal, 1/n.Size), true
	}
	return n.Up[process], n.Down[process], true
}

func (n *Nuisance) clone() *Nuisance {
	cp := *n
	cp.Groups = append([]string(nil), n.Groups...)
	cp.Processes = append([]string(nil), n.Processes...)
	return &cp
}

// SortNuisances orders nuisances NOIs first, then by name
func SortNuisances(ns []*Nuisance) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].NOI != ns[j].NOI {
			return ns[i].NOI
		}
		return ns[i].Name < ns[j].Name
	})
}
