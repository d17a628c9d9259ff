package yoda

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go-hep.org/x/hep/hbook"

	"datacard/internal"
)

func filledH1D() *hbook.H1D {
	h := hbook.NewH1D(4, 0, 4)
	h.Fill(0.5, 1)
	h.Fill(1.5, 2)
	h.Fill(1.5, 2)
	h.Fill(3.5, 1)
	h.Fill(-1, 3)
	h.Fill(9, 0.5)
	return h
}

func TestConvertKeepsOutflows(t *testing.T) {
	h, err := Convert(filledH1D(), "ptGen", "nominal")
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 1, 4, 0, 1, 0.5}, h.Values())
	assert.Equal(t, []float64{9, 1, 8, 0, 1, 0.25}, h.Variances())
	ax, _, ok := h.Axis("ptGen")
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, ax.Edges)
}

func TestLoaderWalksProcessDirectories(t *testing.T) {
	root := t.TempDir()
	raw, err := filledH1D().MarshalYODA()
	require.NoError(t, err)
	for _, proc := range []string{"zmumu", "ttbar"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, proc), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, proc, "nominal.yoda"), raw, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("skip"), 0o644))

	src, err := NewLoader(internal.NewNopLogger(), "ptGen").Load(context.Background(), root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"zmumu", "ttbar"}, src.Processes())

	h, err := src.Histogram("ttbar", "nominal")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4, 0, 1}, h.InRangeValues())
}

func TestLoaderWithoutFiles(t *testing.T) {
	_, err := NewLoader(internal.NewNopLogger(), "x").Load(context.Background(), t.TempDir())
	assert.Error(t, err)
}
