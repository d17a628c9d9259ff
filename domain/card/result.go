package card

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"datacard/domain/core"
	"datacard/domain/hist"
	"datacard/domain/process"
	"datacard/domain/syst"
)

// Result is the frozen content of a finalized channel
type Result struct {
	Channel core.ChannelName
	FitAxes []hist.Axis
	// Processes are the fit processes in creation order
	Processes     []string
	Members       map[string][]string
	Unconstrained []string
	Nominal       map[string]*hist.Histogram
	Data          *hist.Histogram
	Pseudodata    bool
	// Nuisances are ordered NOIs first, then by name
	Nuisances  []*syst.Nuisance
	SystGroups map[string][]string
	Lumi       float64
	GenAxes    []hist.Axis
	NoStatUnc  []string
	Fake       string
	// GenBins maps the signal-bin processes of an unfolding channel to their
	// generator-level bin
	GenBins map[string]process.GenBin
	// POISumGroups name sums of signal-bin processes, in process order
	POISumGroups map[string][]string
}

func (r *Result) addPOISum(group string, bin *process.GenBin) {
	if r.POISumGroups == nil {
		r.POISumGroups = make(map[string][]string)
	}
	r.POISumGroups[bin.Prefix] = append(r.POISumGroups[bin.Prefix], group)
	if len(bin.Axes) < 2 {
		return
	}
	for k, a := range bin.Axes {
		name := fmt.Sprintf("%s_%s%d", bin.Prefix, a, bin.Index[k])
		r.POISumGroups[name] = append(r.POISumGroups[name], group)
	}
}

// Impact summarizes how far a nuisance moves one process away from nominal
type Impact struct {
	Nuisance  string
	Process   string
	MaxRel    float64
	MedianRel float64
}

// Impacts computes the relative shift |variation/nominal − 1| per bin for every
// nuisance and process, over bins with a positive nominal
func (r *Result) Impacts() []Impact {
	var out []Impact
	for _, n := range r.Nuisances {
		for _, p := range n.Processes {
			nom := r.Nominal[p]
			if nom == nil {
				continue
			}
			up, down, ok := n.Shifts(p, nom)
			if !ok {
				continue
			}
			nv := nom.InRangeValues()
			uv := up.InRangeValues()
			dv := down.InRangeValues()
			var rel stats.Float64Data
			for i, v := range nv {
				if v <= 0 {
					continue
				}
				rel = append(rel, math.Max(math.Abs(uv[i]/v-1), math.Abs(dv[i]/v-1)))
			}
			if len(rel) == 0 {
				continue
			}
			maxRel, _ := stats.Max(rel)
			medRel, _ := stats.Median(rel)
			out = append(out, Impact{Nuisance: n.Name, Process: p, MaxRel: maxRel, MedianRel: medRel})
		}
	}
	return out
}

// Yield returns the in-range sum of a process nominal
func (r *Result) Yield(process string) float64 {
	h := r.Nominal[process]
	if h == nil {
		return 0
	}
	var sum float64
	for _, v := range h.InRangeValues() {
		sum += v
	}
	return sum
}
