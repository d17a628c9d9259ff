package histfile

import (
	"fmt"

	"datacard/domain/core"
	"datacard/domain/hist"
)

// Memory is an in-memory histogram source. Histograms added under the same
// (process, name) accumulate.
type Memory struct {
	hists map[string]map[string]*hist.Histogram
	order []string
}

// NewMemory creates an empty source
func NewMemory() *Memory {
	return &Memory{hists: make(map[string]map[string]*hist.Histogram)}
}

// Add stores h under (process, name), summing into an existing entry
func (m *Memory) Add(process, name string, h *hist.Histogram) error {
	byName, ok := m.hists[process]
	if !ok {
		byName = make(map[string]*hist.Histogram)
		m.hists[process] = byName
		m.order = append(m.order, process)
	}
	cur, ok := byName[name]
	if !ok {
		byName[name] = h.Clone()
		return nil
	}
	if err := hist.Accumulate(cur, h); err != nil {
		return fmt.Errorf("accumulate %s/%s: %w", process, name, err)
	}
	return nil
}

// AddContainer adds every entry of a decoded container
func (m *Memory) AddContainer(c *Container) error {
	for _, proc := range core.SortedKeys(c.Processes) {
		entries := c.Processes[proc]
		for _, name := range core.SortedKeys(entries) {
			h, err := entries[name].Histogram(name)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", proc, name, err)
			}
			if err := m.Add(proc, name, h); err != nil {
				return err
			}
		}
	}
	return nil
}

// Histogram returns a copy of the stored histogram
func (m *Memory) Histogram(process, name string) (*hist.Histogram, error) {
	byName, ok := m.hists[process]
	if !ok {
		return nil, core.NewNotFoundError(core.ErrUnknownProcess, process)
	}
	h, ok := byName[name]
	if !ok {
		return nil, core.NewNotFoundError(core.ErrUnknownHist, process+"/"+name)
	}
	return h.Clone(), nil
}

// Processes lists processes in the order they were first added
func (m *Memory) Processes() []string {
	return append([]string(nil), m.order...)
}
