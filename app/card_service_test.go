package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacard/adapters/bundle"
	"datacard/adapters/excel"
	"datacard/adapters/histfile"
	"datacard/domain/hist"
	"datacard/domain/manifest"
	"datacard/internal"
	"datacard/internal/config"
	"datacard/internal/errors"
	"datacard/ports"
)

func constant(t *testing.T, v float64) histfile.Entry {
	t.Helper()
	axes := []hist.Axis{
		hist.NewRegular("eta", 3, -2.4, 2.4, false),
		hist.NewRegular("pt", 2, 26, 56, false),
	}
	vals := []float64{v, v, v, v, v, v}
	h, err := hist.FromArrays("h", axes, vals, vals)
	require.NoError(t, err)
	return histfile.EntryOf(h)
}

func writeInputs(t *testing.T, dir string) string {
	t.Helper()
	c := &histfile.Container{Processes: map[string]map[string]histfile.Entry{
		"Zmumu": {"nominal": constant(t, 100), "effUp": constant(t, 105)},
		"data":  {"nominal": constant(t, 110)},
	}}
	f, err := os.Create(filepath.Join(dir, "zmumu.json"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, histfile.Encode(f, c))
	return f.Name()
}

func testCard(t *testing.T) *config.Card {
	t.Helper()
	dir := t.TempDir()
	input := writeInputs(t, dir)
	c, err := config.ParseCard([]byte(fmt.Sprintf(`
output: %s
report: {enabled: true, file_path: %s}
channels:
  - name: ch0
    inputs: {paths: [%s]}
    fit_axes: [eta, pt]
    lumi: 16.8
    groups:
      - {name: Zmumu, names: [Zmumu], unconstrained: true}
      - {name: Data, match: "^data$"}
    systematics:
      - {name: eff, processes: [Zmumu], histogram: effUp, mirror: true, group: experiment}
      - {name: lumi, processes: [Zmumu], lnN: 1.017, group: luminosity}
`, filepath.Join(dir, "card.sqlite"), filepath.Join(dir, "yields.xlsx"), input)))
	require.NoError(t, err)
	return c
}

func newService() *CardService {
	log := internal.NewNopLogger()
	return NewCardService(
		map[string]ports.SourceLoader{"json": histfile.NewLoader(log, 2)},
		bundle.NewWriter(log, manifest.Options{CodeVersion: "test"}),
		bundle.Reader{},
		excel.NewReportWriter(excel.DefaultReportConfig(), log),
		log,
	)
}

func TestBuildMirrorScenario(t *testing.T) {
	c := testCard(t)
	s := newService()

	out, err := s.Build(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.FileExists(t, out.Artifact)
	assert.FileExists(t, out.Report)

	ch, ok := out.Manifest.Channel("ch0")
	require.True(t, ok)
	assert.Equal(t, []string{"Zmumu"}, ch.Processes)
	assert.Equal(t, []string{"Zmumu"}, ch.Unconstrained)
	assert.Equal(t, []string{"eff", "lumi"}, ch.Nuisances)
	assert.Equal(t, 6, ch.Bins)

	a, err := bundle.Open(context.Background(), out.Artifact)
	require.NoError(t, err)
	defer a.Close()
	vars, err := a.Variations(context.Background(), "ch0")
	require.NoError(t, err)
	for b := 0; b < 6; b++ {
		assert.InDelta(t, 105, vars.At(0, b), 1e-9)
		assert.InDelta(t, 95, vars.At(1, b), 1e-9)
	}

	inspected, err := s.Inspect(context.Background(), out.Artifact)
	require.NoError(t, err)
	if diff := cmp.Diff(out.Manifest, inspected); diff != "" {
		t.Errorf("inspected manifest differs (-built +read):\n%s", diff)
	}
}

func TestBuildIsReproducible(t *testing.T) {
	first, err := newService().Build(context.Background(), testCard(t))
	require.NoError(t, err)
	second, err := newService().Build(context.Background(), testCard(t))
	require.NoError(t, err)
	assert.Equal(t, first.Manifest.Fingerprint, second.Manifest.Fingerprint)
}

func TestBuildStopsOnCancel(t *testing.T) {
	c := testCard(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newService().Build(ctx, c)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, c.Output)
}

func TestBuildUnknownLoader(t *testing.T) {
	c := testCard(t)
	c.Channels[0].Inputs.Format = "yoda"
	_, err := newService().Build(context.Background(), c)
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}

func writeUnfoldingInputs(t *testing.T, dir string) string {
	t.Helper()
	axes := []hist.Axis{
		hist.NewRegular("eta", 3, -2.4, 2.4, false),
		hist.NewRegular("pt", 2, 26, 56, false),
		hist.NewRegular("ptGen", 2, 0, 60, false),
	}
	vals := make([]float64, 12)
	for i := range vals {
		vals[i] = 30
		if i%2 == 1 {
			vals[i] = 70
		}
	}
	sig, err := hist.FromArrays("h", axes, vals, vals)
	require.NoError(t, err)
	c := &histfile.Container{Processes: map[string]map[string]histfile.Entry{
		"Zmumu":    {"nominal": histfile.EntryOf(sig)},
		"ZmumuOOA": {"nominal": constant(t, 5)},
		"data":     {"nominal": constant(t, 106)},
	}}
	f, err := os.Create(filepath.Join(dir, "unfolding.json"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, histfile.Encode(f, c))
	return f.Name()
}

func TestBuildUnfoldingSplitsSignalBins(t *testing.T) {
	dir := t.TempDir()
	input := writeUnfoldingInputs(t, dir)
	c, err := config.ParseCard([]byte(fmt.Sprintf(`
output: %s
channels:
  - name: ch0
    inputs: {paths: [%s]}
    fit_axes: [eta, pt]
    gen_axes: [ptGen]
    groups:
      - {name: Zmumu, prefix: [Zmumu]}
      - {name: Data, names: [data]}
    unfolding: {group: Zmumu, prefix: Z, exclude: "OOA$", poi_sums: true}
`, filepath.Join(dir, "card.sqlite"), input)))
	require.NoError(t, err)

	out, err := newService().Build(context.Background(), c)
	require.NoError(t, err)

	res := out.Results[0]
	assert.Equal(t, []string{"Zmumu", "Z_ptGen0", "Z_ptGen1"}, res.Processes)
	assert.Equal(t, []string{"ZmumuOOA"}, res.Members["Zmumu"])
	assert.Equal(t, []string{"Z_ptGen0", "Z_ptGen1"}, res.Unconstrained)
	assert.Equal(t, []float64{30, 30, 30, 30, 30, 30}, res.Nominal["Z_ptGen0"].InRangeValues())
	assert.Equal(t, []float64{70, 70, 70, 70, 70, 70}, res.Nominal["Z_ptGen1"].InRangeValues())

	assert.Equal(t, map[string][]string{"Z": {"Z_ptGen0", "Z_ptGen1"}}, out.Manifest.POISumGroups)
	ch, _ := out.Manifest.Channel("ch0")
	require.Len(t, ch.GenAxes, 1)
	assert.Equal(t, "ptGen", ch.GenAxes[0].Name)
	assert.Equal(t, manifest.GenBin{Parent: "Zmumu", Axes: []string{"ptGen"}, Index: []int{1}}, ch.GenBins["Z_ptGen1"])
}

func TestBuildChannelDataPattern(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ChannelConfig{
		Name:    "ch0",
		Inputs:  config.InputConfig{Format: "json", Paths: []string{writeInputs(t, dir)}},
		FitAxes: []string{"eta", "pt"},
		Groups: []config.GroupConfig{
			{Name: "Zmumu", Select: config.Matcher{Names: []string{"Zmumu"}}},
			{Name: "Data", Select: config.Matcher{Names: []string{"data"}}},
		},
	}
	res, err := newService().BuildChannel(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"Zmumu"}, res.Processes)
	assert.Equal(t, []float64{110, 110, 110, 110, 110, 110}, res.Data.InRangeValues())

	cfg.DataPattern = "("
	_, err = newService().BuildChannel(context.Background(), cfg)
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}
