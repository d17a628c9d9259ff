package bundle

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"datacard/domain/card"
	"datacard/domain/hist"
)

// tensor is a named matrix of one channel. A nil matrix has zero rows.
type tensor struct {
	name string
	m    *mat.Dense
	rows int
	cols int
}

func newTensor(name string, rows, cols int, data []float64) tensor {
	t := tensor{name: name, rows: rows, cols: cols}
	if rows > 0 && cols > 0 {
		t.m = mat.NewDense(rows, cols, data)
	}
	return t
}

func (t tensor) encode() ([]byte, error) {
	if t.m == nil {
		return nil, nil
	}
	return t.m.MarshalBinary()
}

func decodeTensor(row tensorRow) (*mat.Dense, error) {
	if row.Rows == 0 || row.Cols == 0 {
		return &mat.Dense{}, nil
	}
	var m mat.Dense
	if err := m.UnmarshalBinary(row.Data); err != nil {
		return nil, fmt.Errorf("tensor %s/%s: %w", row.Channel, row.Name, err)
	}
	if r, c := m.Dims(); r != row.Rows || c != row.Cols {
		return nil, fmt.Errorf("tensor %s/%s: shape %d×%d, recorded %d×%d", row.Channel, row.Name, r, c, row.Rows, row.Cols)
	}
	return &m, nil
}

// channelTensors lays out one finalized channel
func channelTensors(r *card.Result, sparse bool, tol float64) ([]tensor, error) {
	order := make([]string, len(r.FitAxes))
	for i, a := range r.FitAxes {
		order[i] = a.Name
	}
	flat := func(h *hist.Histogram) ([]float64, []float64, error) {
		t, err := hist.Transpose(h, order)
		if err != nil {
			return nil, nil, err
		}
		return t.InRangeValues(), t.InRangeVariances(), nil
	}

	nproc := len(r.Processes)
	nbins := 1
	for _, a := range r.FitAxes {
		nbins *= a.Size()
	}

	nominal := make([]float64, 0, nproc*nbins)
	sumw2 := make([]float64, 0, nproc*nbins)
	noms := make([][]float64, nproc)
	for p, name := range r.Processes {
		h := r.Nominal[name]
		if h == nil {
			return nil, fmt.Errorf("process %s has no nominal", name)
		}
		v, w2, err := flat(h)
		if err != nil {
			return nil, fmt.Errorf("process %s: %w", name, err)
		}
		if slices.Contains(r.NoStatUnc, name) {
			w2 = make([]float64, nbins)
		}
		noms[p] = v
		nominal = append(nominal, v...)
		sumw2 = append(sumw2, w2...)
	}
	data, _, err := flat(r.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}

	out := []tensor{
		newTensor(tensorNominal, nproc, nbins, nominal),
		newTensor(tensorSumW2, nproc, nbins, sumw2),
		newTensor(tensorData, 1, nbins, data),
	}

	nvar := 2 * len(r.Nuisances) * nproc
	var dense, index, values []float64
	if !sparse {
		dense = make([]float64, 0, nvar*nbins)
	}
	for i, n := range r.Nuisances {
		var sides [2][][]float64
		for s := range sides {
			sides[s] = make([][]float64, nproc)
			copy(sides[s], noms)
		}
		for p, name := range r.Processes {
			up, down, ok := n.Shifts(name, r.Nominal[name])
			if !ok {
				continue
			}
			for s, h := range []*hist.Histogram{up, down} {
				if h == nil {
					return nil, fmt.Errorf("nuisance %s: process %s lacks a variation", n.Name, name)
				}
				if sides[s][p], _, err = flat(h); err != nil {
					return nil, fmt.Errorf("nuisance %s, process %s: %w", n.Name, name, err)
				}
			}
		}
		for s := range sides {
			for p, v := range sides[s] {
				if !sparse {
					dense = append(dense, v...)
					continue
				}
				row := float64((i*2+s)*nproc + p)
				for b, x := range v {
					if offNominal(x, noms[p][b], tol) {
						index = append(index, row, float64(b))
						values = append(values, x)
					}
				}
			}
		}
	}
	if sparse {
		out = append(out,
			newTensor(tensorSparseIndex, len(values), 2, index),
			newTensor(tensorSparseValues, len(values), 1, values))
	} else {
		out = append(out, newTensor(tensorVariations, nvar, nbins, dense))
	}
	return out, nil
}

// offNominal reports whether x differs from the nominal beyond the relative
// tolerance
func offNominal(x, nom, tol float64) bool {
	return math.Abs(x-nom) > tol*math.Abs(nom)
}
