package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"datacard/domain/card"
	"datacard/domain/core"
	"datacard/domain/manifest"
	"datacard/internal"
	"datacard/internal/errors"
)

const driverName = "sqlite3"

// Writer publishes finalized channels as one artifact
type Writer struct {
	log  *internal.Logger
	opts manifest.Options
}

// NewWriter creates a writer. A negative tolerance is treated as zero.
func NewWriter(log *internal.Logger, opts manifest.Options) *Writer {
	if opts.Tolerance < 0 {
		opts.Tolerance = 0
	}
	return &Writer{log: log.Named("bundle"), opts: opts}
}

// Write serializes results to path. The file appears at path only after the
// whole artifact, completion marker included, has been committed; on any
// failure nothing is left behind.
func (w *Writer) Write(ctx context.Context, path string, results ...*card.Result) (*manifest.Manifest, error) {
	if len(results) == 0 {
		return nil, errors.InvalidInput("no finalized channel to write")
	}
	m, err := manifest.FromResults(results, w.opts)
	if err != nil {
		return nil, err
	}
	perChannel := make([][]tensor, len(results))
	for i, r := range results {
		if perChannel[i], err = channelTensors(r, w.opts.Sparse, w.opts.Tolerance); err != nil {
			return nil, fmt.Errorf("channel %s: %w", r.Channel, err)
		}
	}

	rows, digest, err := encodeTensors(results, perChannel)
	if err != nil {
		return nil, err
	}
	if err := m.Seal(digest); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}

	tmp := fmt.Sprintf("%s.partial-%d", path, os.Getpid())
	if err := w.publish(ctx, tmp, path, string(raw), rows); err != nil {
		removeAll(tmp)
		return nil, errors.StorageError(fmt.Sprintf("writing %s", path), err)
	}
	w.log.Info("wrote artifact %s (%s): %d channels, %d nuisances", path, m.ArtifactID, len(m.Channels), len(m.Nuisances))
	return m, nil
}

// encodeTensors marshals every tensor and digests them in write order
func encodeTensors(results []*card.Result, perChannel [][]tensor) ([]tensorRow, core.Hash, error) {
	var rows []tensorRow
	h := core.NewHasher()
	for i, r := range results {
		ch := r.Channel.String()
		for _, t := range perChannel[i] {
			data, err := t.encode()
			if err != nil {
				return nil, "", fmt.Errorf("encode %s/%s: %w", ch, t.name, err)
			}
			rows = append(rows, tensorRow{Channel: ch, Name: t.name, Kind: kindFloat64, Rows: t.rows, Cols: t.cols, Data: data})
			h.String(ch).String(t.name).Uint(uint64(t.rows)).Uint(uint64(t.cols)).Bytes(data)
		}
	}
	return rows, h.Sum(), nil
}

func (w *Writer) publish(ctx context.Context, tmp, path, manifestJSON string, rows []tensorRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	removeAll(tmp)
	db, err := sqlx.Open(driverName, tmp)
	if err != nil {
		return err
	}
	if err := w.fill(ctx, db, manifestJSON, rows); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (w *Writer) fill(ctx context.Context, db *sqlx.DB, manifestJSON string, rows []tensorRow) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := createSchema(ctx, tx); err != nil {
		return err
	}
	if err := putMeta(ctx, tx, metaSchema, manifest.SchemaVersion); err != nil {
		return err
	}
	if err := putMeta(ctx, tx, metaManifest, manifestJSON); err != nil {
		return err
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tensors (channel, name, kind, rows, cols, data)
			VALUES (:channel, :name, :kind, :rows, :cols, :data)
		`, row); err != nil {
			return errors.Wrapf(err, "failed to store tensor %s/%s", row.Channel, row.Name)
		}
		w.log.Trace("stored %s/%s %d×%d", row.Channel, row.Name, row.Rows, row.Cols)
	}
	if err := putMeta(ctx, tx, metaComplete, "true"); err != nil {
		return err
	}
	return tx.Commit()
}

func removeAll(tmp string) {
	for _, p := range []string{tmp, tmp + "-journal", tmp + "-wal", tmp + "-shm"} {
		_ = os.Remove(p)
	}
}
