// Package histfile reads histogram containers written as JSON by the
// event-processing runtime.
//
// A container maps process names to named histograms:
//
//	{"processes": {"ZmumuPostVFP": {"nominal": {"axes": [...], "flow": true,
//	    "values": [...], "variances": [...]}}}}
//
// Values are row-major; with "flow" set they include the flow bins of numeric
// axes that declare them, otherwise they cover in-range bins only.
package histfile

import (
	"encoding/json"
	"fmt"
	"io"

	"datacard/domain/hist"
	apperrors "datacard/internal/errors"
)

// Container is the decoded form of one file
type Container struct {
	Processes map[string]map[string]Entry `json:"processes"`
}

// Entry is one serialized histogram
type Entry struct {
	Axes      []hist.Axis `json:"axes"`
	Flow      bool        `json:"flow,omitempty"`
	Values    []float64   `json:"values"`
	Variances []float64   `json:"variances,omitempty"`
}

// Histogram builds the histogram described by the entry
func (e Entry) Histogram(name string) (*hist.Histogram, error) {
	if e.Flow {
		return hist.FromFlowArrays(name, e.Axes, e.Values, e.Variances)
	}
	return hist.FromArrays(name, e.Axes, e.Values, e.Variances)
}

// EntryOf serializes a histogram, flow bins included
func EntryOf(h *hist.Histogram) Entry {
	return Entry{Axes: h.Axes(), Flow: true, Values: h.Values(), Variances: h.Variances()}
}

// Decode reads one container
func Decode(r io.Reader, source string) (*Container, error) {
	var c Container
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, apperrors.InputError(source, fmt.Errorf("decode: %w", err))
	}
	if len(c.Processes) == 0 {
		return nil, apperrors.InputError(source, fmt.Errorf("no processes"))
	}
	return &c, nil
}

// Encode writes one container
func Encode(w io.Writer, c *Container) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	return enc.Encode(c)
}
