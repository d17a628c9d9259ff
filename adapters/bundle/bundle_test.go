package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"datacard/domain/card"
	"datacard/domain/core"
	"datacard/domain/hist"
	"datacard/domain/manifest"
	"datacard/domain/syst"
	"datacard/internal"
)

var fitAxes = []hist.Axis{
	hist.NewRegular("eta", 2, -2.4, 2.4, false),
	hist.NewRegular("pt", 3, 26, 56, false),
}

func filled(t *testing.T, v float64) *hist.Histogram {
	t.Helper()
	vals := make([]float64, 6)
	for i := range vals {
		vals[i] = v
	}
	h, err := hist.FromArrays("h", fitAxes, vals, vals)
	require.NoError(t, err)
	return h
}

func testResult(t *testing.T, channel string) *card.Result {
	t.Helper()
	return &card.Result{
		Channel:   core.ChannelName(channel),
		FitAxes:   fitAxes,
		Processes: []string{"Signal", "Background"},
		Members:   map[string][]string{"Signal": {"sig"}, "Background": {"bkg"}},
		Nominal:   map[string]*hist.Histogram{"Signal": filled(t, 10), "Background": filled(t, 4)},
		Data:      filled(t, 14),
		Nuisances: []*syst.Nuisance{
			{Name: "r", Kind: syst.Shape, NOI: true, Processes: []string{"Signal"},
				Up: map[string]*hist.Histogram{"Signal": filled(t, 12)}, Down: map[string]*hist.Histogram{"Signal": filled(t, 8)}},
			{Name: "eff", Kind: syst.Shape, Constrained: true, Processes: []string{"Signal"},
				Up: map[string]*hist.Histogram{"Signal": filled(t, 11)}, Down: map[string]*hist.Histogram{"Signal": filled(t, 9)}},
			{Name: "lumi", Kind: syst.LogNormal, Constrained: true, Size: 1.1, Processes: []string{"Signal", "Background"}},
		},
		SystGroups: map[string][]string{"lumi": {"lumi"}},
		Lumi:       16.8,
	}
}

func write(t *testing.T, opts manifest.Options, results ...*card.Result) (string, *manifest.Manifest) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "card.sqlite")
	m, err := NewWriter(internal.NewNopLogger(), opts).Write(context.Background(), path, results...)
	require.NoError(t, err)
	return path, m
}

func open(t *testing.T, path string) *Artifact {
	t.Helper()
	a, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWriteReadRoundTrip(t *testing.T) {
	res := testResult(t, "ch0")
	res.NoStatUnc = []string{"Background"}
	path, written := write(t, manifest.Options{CodeVersion: "test"}, res)

	a := open(t, path)
	m := a.Manifest
	assert.Equal(t, written.Fingerprint, m.Fingerprint)
	assert.Equal(t, []string{"r"}, m.NOIs)
	ch, ok := m.Channel("ch0")
	require.True(t, ok)
	assert.Equal(t, 6, ch.Bins)
	assert.Equal(t, []string{"r", "eff", "lumi"}, ch.Nuisances)

	ctx := context.Background()
	nom, err := a.Tensor(ctx, "ch0", tensorNominal)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 10, 10, 10, 10, 10}, mat.Row(nil, 0, nom))
	assert.Equal(t, []float64{4, 4, 4, 4, 4, 4}, mat.Row(nil, 1, nom))

	sumw2, err := a.Tensor(ctx, "ch0", tensorSumW2)
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 6), mat.Row(nil, 1, sumw2))

	data, err := a.Tensor(ctx, "ch0", tensorData)
	require.NoError(t, err)
	assert.Equal(t, 14.0, data.At(0, 5))

	vars, err := a.Tensor(ctx, "ch0", tensorVariations)
	require.NoError(t, err)
	rows, cols := vars.Dims()
	assert.Equal(t, 12, rows)
	assert.Equal(t, 6, cols)
	assert.Equal(t, 11.0, vars.At(4, 0)) // eff up, Signal
	assert.Equal(t, 4.0, vars.At(5, 0))  // eff up, Background carries nominal
	assert.InDelta(t, 4/1.1, vars.At(11, 3), 1e-12)

	_, err = a.Tensor(ctx, "ch0", "missing")
	assert.Error(t, err)
}

func TestSparseMatchesDense(t *testing.T) {
	densePath, _ := write(t, manifest.Options{}, testResult(t, "ch0"))
	sparsePath, _ := write(t, manifest.Options{Sparse: true}, testResult(t, "ch0"))

	ctx := context.Background()
	dense, err := open(t, densePath).Variations(ctx, "ch0")
	require.NoError(t, err)
	sparse := open(t, sparsePath)
	expanded, err := sparse.Variations(ctx, "ch0")
	require.NoError(t, err)
	assert.True(t, mat.Equal(dense, expanded))

	values, err := sparse.Tensor(ctx, "ch0", tensorSparseValues)
	require.NoError(t, err)
	n, _ := values.Dims()
	assert.Equal(t, 48, n)

	// only the 20% shifts of r survive a 15% tolerance
	loosePath, _ := write(t, manifest.Options{Sparse: true, Tolerance: 0.15}, testResult(t, "ch0"))
	values, err = open(t, loosePath).Tensor(ctx, "ch0", tensorSparseValues)
	require.NoError(t, err)
	n, _ = values.Dims()
	assert.Equal(t, 12, n)
}

func TestWriteIsDeterministic(t *testing.T) {
	pathA, a := write(t, manifest.Options{}, testResult(t, "ch0"), testResult(t, "ch1"))
	pathB, b := write(t, manifest.Options{}, testResult(t, "ch0"), testResult(t, "ch1"))
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.ArtifactID, b.ArtifactID)

	ctx := context.Background()
	va, err := open(t, pathA).Tensor(ctx, "ch1", tensorVariations)
	require.NoError(t, err)
	vb, err := open(t, pathB).Tensor(ctx, "ch1", tensorVariations)
	require.NoError(t, err)
	assert.True(t, mat.Equal(va, vb))

	_, c := write(t, manifest.Options{}, testResult(t, "ch0"))
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestFailedWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "card.sqlite")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWriter(internal.NewNopLogger(), manifest.Options{}).Write(ctx, path, testResult(t, "ch0"))
	require.Error(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = NewWriter(internal.NewNopLogger(), manifest.Options{}).Write(context.Background(), path, testResult(t, "ch0"), testResult(t, "ch0"))
	assert.ErrorIs(t, err, core.ErrConfiguration)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRefusesIncompleteArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.sqlite")
	db, err := sqlx.Open(driverName, path)
	require.NoError(t, err)
	ctx := context.Background()
	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, createSchema(ctx, tx))
	require.NoError(t, putMeta(ctx, tx, metaManifest, "{}"))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	_, err = Open(ctx, path)
	assert.ErrorIs(t, err, core.ErrIncompleteArtifact)

	_, err = Reader{}.ReadManifest(ctx, filepath.Join(t.TempDir(), "absent.sqlite"))
	assert.Error(t, err)
}
