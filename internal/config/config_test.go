package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacard/internal/errors"
)

const wremnantCard = `
output: out/wmass.sqlite
sparse: true
tolerance: 1.0e-6
report:
  enabled: true
  file_path: out/yields.xlsx
  min_impact: 0.001
channels:
  - name: ch0_plus
    inputs:
      paths: [mz_wlike_plus.json]
    fit_axes: [eta, pt]
    lumi: 16.8
    fake: Fake
    ops:
      - {kind: rebinFactor, axis: pt, factor: 2}
    member_scale: {ZmumuPostVFP: 1.02}
    groups:
      - {name: Zmumu, prefix: [Zmumu], unconstrained: true}
      - {name: Other, names: [Ztautau, Top]}
      - {name: Fake, match: "^QCD"}
      - {name: Data, names: [dataPostVFP]}
    selections:
      - {name: MCnoFake, names: [Zmumu, Other]}
    nuisance_filter: {exclude: "^pdf", keep: "pdfAlphaS"}
    custom_groups: {experimentNoLumi: "^eff"}
    pseudodata: {histogram: nominal, poisson: true, seed: 42}
    checks: {nominal_support: true}
    systematics:
      - {name: effStat, processes: [MCnoFake], histogram: effStatUp, mirror: true, passToFakes: true}
      - {name: lumi, processes: [MCnoFake], lnN: 1.012, group: luminosity}
`

func TestParseCard(t *testing.T) {
	c, err := ParseCard([]byte(wremnantCard))
	require.NoError(t, err)

	assert.Equal(t, "out/wmass.sqlite", c.Output)
	assert.True(t, c.Sparse)
	assert.True(t, c.Report.Enabled)
	require.Len(t, c.Channels, 1)

	ch := c.Channels[0]
	assert.Equal(t, "json", ch.Inputs.Format)
	assert.Equal(t, "nominal", ch.Nominal)
	assert.Equal(t, "^data", ch.DataPattern)
	assert.Equal(t, 2, ch.Ops[0].Factor)
	assert.True(t, ch.Groups[0].Unconstrained)
	assert.Equal(t, "^QCD", ch.Groups[2].Select.Regexp)
	assert.Equal(t, 1.012, ch.Systematics[1].LnN)
	assert.True(t, ch.Systematics[0].PassToFakes)

	pd, ok := ch.Pseudodata()
	require.True(t, ok)
	assert.Equal(t, uint64(42), pd.Seed)
	assert.True(t, ch.CardChecks().NominalSupport)

	pred, err := ch.Groups[0].Select.Predicate()
	require.NoError(t, err)
	assert.True(t, pred("ZmumuPostVFP"))
	assert.False(t, pred("Ztautau"))
}

func TestCardValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no channels", "output: a.sqlite\n"},
		{"bad format", "channels: [{name: c, inputs: {format: root, paths: [a]}, fit_axes: [x], groups: [{name: G, names: [a]}]}]"},
		{"no paths", "channels: [{name: c, fit_axes: [x], groups: [{name: G, names: [a]}]}]"},
		{"empty matcher", "channels: [{name: c, inputs: {paths: [a]}, fit_axes: [x], groups: [{name: G}]}]"},
		{"bad regexp", "channels: [{name: c, inputs: {paths: [a]}, fit_axes: [x], exclude: ['('], groups: [{name: G, names: [a]}]}]"},
		{"negative tolerance", "tolerance: -1\nchannels: [{name: c, inputs: {paths: [a]}, fit_axes: [x], groups: [{name: G, names: [a]}]}]"},
		{"duplicate channel", "channels: [{name: c, inputs: {paths: [a]}, fit_axes: [x], groups: [{name: G, names: [a]}]}, {name: c, inputs: {paths: [a]}, fit_axes: [x], groups: [{name: G, names: [a]}]}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCard([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
		})
	}
}

func TestLoadCardEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.yaml")
	require.NoError(t, os.WriteFile(path, []byte(wremnantCard), 0o644))
	t.Setenv("DATACARD_SPARSE", "false")
	t.Setenv("DATACARD_TOLERANCE", "0.5")

	c, err := LoadCard(path)
	require.NoError(t, err)
	assert.False(t, c.Sparse)
	assert.Equal(t, 0.5, c.Tolerance)

	_, err = LoadCard(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATACARD_LOAD_CONCURRENCY", "8")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", c.Log.Level)
	assert.Equal(t, 8, c.Load.Concurrency)

	t.Setenv("DATACARD_LOAD_CONCURRENCY", "0")
	_, err = Load()
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))

	t.Setenv("DATACARD_LOAD_CONCURRENCY", "2")
	t.Setenv("LOG_LEVEL", "chatty")
	_, err = Load()
	assert.Error(t, err)
}
