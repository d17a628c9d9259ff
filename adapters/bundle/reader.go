package bundle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"gonum.org/v1/gonum/mat"

	"datacard/domain/core"
	"datacard/domain/manifest"
	"datacard/internal/errors"
)

// Artifact is an opened, complete artifact
type Artifact struct {
	db       *sqlx.DB
	Manifest *manifest.Manifest
}

// Open opens path read-only. Files without the completion marker are refused
// with core.ErrIncompleteArtifact.
func Open(ctx context.Context, path string) (*Artifact, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.StorageError(fmt.Sprintf("opening %s", path), err)
	}
	db, err := sqlx.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	a := &Artifact{db: db}
	if err := a.load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

func (a *Artifact) load(ctx context.Context) error {
	var complete string
	err := a.db.GetContext(ctx, &complete, `SELECT value FROM meta WHERE key = ?`, metaComplete)
	if err == sql.ErrNoRows || (err == nil && complete != "true") {
		return core.ErrIncompleteArtifact
	}
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrIncompleteArtifact, err)
	}
	var raw string
	if err := a.db.GetContext(ctx, &raw, `SELECT value FROM meta WHERE key = ?`, metaManifest); err != nil {
		return errors.Wrap(err, "failed to read manifest")
	}
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return errors.Wrap(err, "failed to decode manifest")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	a.Manifest = &m
	return nil
}

// Close releases the database handle
func (a *Artifact) Close() error {
	return a.db.Close()
}

// Tensor decodes one tensor
func (a *Artifact) Tensor(ctx context.Context, channel, name string) (*mat.Dense, error) {
	var row tensorRow
	err := a.db.GetContext(ctx, &row, `
		SELECT channel, name, kind, rows, cols, data
		FROM tensors
		WHERE channel = ? AND name = ?
	`, channel, name)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(fmt.Sprintf("tensor %s/%s", channel, name))
	}
	if err != nil {
		return nil, err
	}
	if row.Kind != kindFloat64 {
		return nil, fmt.Errorf("tensor %s/%s: unsupported kind %q", channel, name, row.Kind)
	}
	return decodeTensor(row)
}

// Variations returns the dense variation tensor of a channel, expanding the
// sparse encoding over the nominal when the artifact is sparse
func (a *Artifact) Variations(ctx context.Context, channel string) (*mat.Dense, error) {
	if !a.Manifest.Sparse {
		return a.Tensor(ctx, channel, tensorVariations)
	}
	ch, ok := a.Manifest.Channel(channel)
	if !ok {
		return nil, errors.NotFound("channel " + channel)
	}
	nominal, err := a.Tensor(ctx, channel, tensorNominal)
	if err != nil {
		return nil, err
	}
	index, err := a.Tensor(ctx, channel, tensorSparseIndex)
	if err != nil {
		return nil, err
	}
	values, err := a.Tensor(ctx, channel, tensorSparseValues)
	if err != nil {
		return nil, err
	}

	nproc := len(ch.Processes)
	rows := 2 * len(ch.Nuisances) * nproc
	if rows == 0 || ch.Bins == 0 {
		return &mat.Dense{}, nil
	}
	out := mat.NewDense(rows, ch.Bins, nil)
	for r := 0; r < rows; r++ {
		out.SetRow(r, nominal.RawRowView(r%nproc))
	}
	k, _ := values.Dims()
	for i := 0; i < k; i++ {
		out.Set(int(index.At(i, 0)), int(index.At(i, 1)), values.At(i, 0))
	}
	return out, nil
}

// Reader reads manifests of published artifacts
type Reader struct{}

// ReadManifest opens path and returns its manifest
func (Reader) ReadManifest(ctx context.Context, path string) (*manifest.Manifest, error) {
	a, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.Manifest, nil
}
