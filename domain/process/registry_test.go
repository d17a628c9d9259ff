package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacard/domain/core"
	"datacard/domain/hist"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		Process{Name: "WplusmunuPostVFP"},
		Process{Name: "WminusmunuPostVFP"},
		Process{Name: "ZmumuPostVFP"},
		Process{Name: "TTbarPostVFP"},
		Process{Name: "dataPostVFP", IsData: true},
	)
	require.NoError(t, err)
	return r
}

func TestAddGroupByPredicate(t *testing.T) {
	r := newTestRegistry(t)
	match, err := MatchRegexp(`^W(plus|minus)`)
	require.NoError(t, err)

	require.NoError(t, r.AddGroup("Wmunu", match))
	g, ok := r.Group("Wmunu")
	require.True(t, ok)
	assert.Equal(t, []string{"WplusmunuPostVFP", "WminusmunuPostVFP"}, g.Members)

	err = r.AddGroup("Wmunu", MatchPrefix("Z"))
	assert.ErrorIs(t, err, core.ErrDuplicateGroup)
}

func TestMembershipEdits(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddGroup("Top", MatchNames("TTbarPostVFP")))

	err := r.AddMembers("Top", "SingleTop")
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
	assert.True(t, core.IsNotFoundError(err))

	err = r.AddMembers("Top", "TTbarPostVFP")
	assert.ErrorIs(t, err, core.ErrDuplicateMember)

	require.NoError(t, r.CopyGroup("Top", "TopCopy", nil))
	require.NoError(t, r.DeleteMembers("TopCopy", MatchPrefix("TT")))
	g, _ := r.Group("TopCopy")
	assert.Empty(t, g.Members)
	orig, _ := r.Group("Top")
	assert.Equal(t, []string{"TTbarPostVFP"}, orig.Members)

	require.NoError(t, r.DeleteGroup("TopCopy"))
	assert.ErrorIs(t, r.DeleteGroup("TopCopy"), core.ErrUnknownGroup)
	assert.ErrorIs(t, r.AddMembers("Nope", "TTbarPostVFP"), core.ErrUnknownGroup)
	assert.ErrorIs(t, r.SetMemberOp("Nope", nil), core.ErrUnknownProcess)
}

func TestSnapshotIsFrozen(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddGroup("Zmumu", MatchPrefix("Z")))
	snap, err := r.Snapshot()
	require.NoError(t, err)

	require.NoError(t, r.AddMembers("Zmumu", "TTbarPostVFP"))
	g, _ := snap.Group("Zmumu")
	assert.Equal(t, []string{"ZmumuPostVFP"}, g.Members)

	owner, ok := snap.GroupOf("ZmumuPostVFP")
	assert.True(t, ok)
	assert.Equal(t, "Zmumu", owner)
}

func TestSnapshotRejectsSharedMembers(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddGroup("Zmumu", MatchPrefix("Z")))
	require.NoError(t, r.AddGroup("Other", MatchPrefix("Z", "TT")))

	_, err := r.Snapshot()
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestResolveSelections(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddGroup("Wmunu", MatchPrefix("W")))
	require.NoError(t, r.AddGroup("Zmumu", MatchPrefix("Z")))
	require.NoError(t, r.AddGroup("Top", MatchPrefix("TT")))
	require.NoError(t, r.AddGroup("Data", func(n string) bool { return n == "dataPostVFP" }))
	require.NoError(t, r.AddSelection("signal_samples", MatchNames("Wmunu")))
	require.NoError(t, r.AddSelection("MCnoQCD", func(g string) bool { return g != "Data" }))
	require.NoError(t, r.AddSelection("nothing", MatchNames()))

	got, err := r.Resolve("signal_samples", "MCnoQCD", "Top")
	require.NoError(t, err)
	assert.Equal(t, []string{"Wmunu", "Zmumu", "Top"}, got)

	got, err = r.Resolve("nothing")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = r.Resolve("Fake")
	assert.ErrorIs(t, err, core.ErrUnknownGroup)

	require.NoError(t, r.DeleteGroup("Zmumu"))
	snap, err := r.Snapshot()
	require.NoError(t, err)
	got, err = snap.Resolve("MCnoQCD")
	require.NoError(t, err)
	assert.Equal(t, []string{"Wmunu", "Top"}, got)
	assert.True(t, snap.IsDataGroup("Data"))
	assert.False(t, snap.IsDataGroup("Top"))
}

func TestProcessDeclaredTwice(t *testing.T) {
	_, err := NewRegistry(Process{Name: "a"}, Process{Name: "a"})
	assert.True(t, core.IsConfigurationError(err))
}

func TestDefineSignalBins(t *testing.T) {
	r, err := NewRegistry(
		Process{Name: "ZmumuPostVFP"},
		Process{Name: "ZmumuOOA"},
		Process{Name: "dataPostVFP", IsData: true},
	)
	require.NoError(t, err)
	require.NoError(t, r.AddGroup("Zmumu", MatchPrefix("Zmumu")))
	require.NoError(t, r.SetMemberOp("ZmumuPostVFP", func(h *hist.Histogram) (*hist.Histogram, error) {
		return hist.Scale(h, 2), nil
	}))

	genAxes := []hist.Axis{
		hist.NewRegular("ptGen", 2, 0, 10, false),
		hist.NewRegular("absYGen", 2, 0, 2, false),
	}
	fiducial := func(name string) bool { return name != "ZmumuOOA" }
	groups, err := r.DefineSignalBins("Zmumu", "Z", genAxes, fiducial)
	require.NoError(t, err)
	assert.Equal(t, []string{"Z_ptGen0_absYGen0", "Z_ptGen0_absYGen1", "Z_ptGen1_absYGen0", "Z_ptGen1_absYGen1"}, groups)

	parent, ok := r.Group("Zmumu")
	require.True(t, ok)
	assert.Equal(t, []string{"ZmumuOOA"}, parent.Members)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	bin, ok := snap.Group("Z_ptGen1_absYGen0")
	require.True(t, ok)
	assert.True(t, bin.Unconstrained)
	assert.Equal(t, []string{"ZmumuPostVFP_ptGen1_absYGen0"}, bin.Members)
	assert.Equal(t, &GenBin{Parent: "Zmumu", Prefix: "Z", Axes: []string{"ptGen", "absYGen"}, Index: []int{1, 0}}, bin.Bin)

	p, ok := snap.Process("ZmumuPostVFP_ptGen1_absYGen0")
	require.True(t, ok)
	assert.Equal(t, "ZmumuPostVFP", p.SourceName())

	// values count up along pt, ptGen, absYGen
	axes := append([]hist.Axis{hist.NewRegular("pt", 2, 26, 56, false)}, genAxes...)
	values := make([]float64, 8)
	for i := range values {
		values[i] = float64(i)
	}
	h, err := hist.FromArrays("nominal", axes, values, nil)
	require.NoError(t, err)
	got, err := p.Op(h)
	require.NoError(t, err)
	assert.Equal(t, []string{"pt"}, got.AxisNames())
	assert.Equal(t, []float64{4, 12}, got.InRangeValues())

	_, err = r.DefineSignalBins("Zmumu", "Z", genAxes, nil)
	assert.ErrorIs(t, err, core.ErrDuplicateGroup)
	_, err = r.DefineSignalBins("Zmumu", "Zoo", genAxes, func(string) bool { return false })
	assert.ErrorIs(t, err, core.ErrConfiguration)
	_, err = r.DefineSignalBins("nope", "X", genAxes, nil)
	assert.ErrorIs(t, err, core.ErrUnknownGroup)
}

func TestDefineSignalBinsDropsEmptiedGroup(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddGroup("Zmumu", MatchNames("ZmumuPostVFP")))
	groups, err := r.DefineSignalBins("Zmumu", "", []hist.Axis{hist.NewIntegerRange("qGen", 2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Zmumu_qGen0", "Zmumu_qGen1"}, groups)
	_, ok := r.Group("Zmumu")
	assert.False(t, ok)
	assert.Equal(t, groups, r.GroupNames())
}
