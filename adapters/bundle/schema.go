// Package bundle stores fit artifacts as single SQLite files.
//
// An artifact holds two tables. meta(key, value) carries the manifest JSON
// under "manifest" and the completion marker "complete". tensors(channel,
// name, kind, rows, cols, data) carries gonum matrices in their binary
// encoding. Per channel:
//
//	nominal        [nproc × nbins]
//	sumw2          [nproc × nbins]  zero rows for processes without stat. uncertainty
//	data_obs       [1 × nbins]
//	variations     [2·nnuis·nproc × nbins]  dense mode; row ((i·2+side)·nproc + p), side 0 up, 1 down
//	sparse_index   [k × 2]  sparse mode; (variation row, bin) of entries off nominal
//	sparse_values  [k × 1]
//
// Rows of processes a nuisance does not affect carry the nominal.
package bundle

import (
	"context"

	"github.com/jmoiron/sqlx"

	"datacard/internal/errors"
)

const (
	metaManifest = "manifest"
	metaSchema   = "schema_version"
	metaComplete = "complete"

	tensorNominal      = "nominal"
	tensorSumW2        = "sumw2"
	tensorData         = "data_obs"
	tensorVariations   = "variations"
	tensorSparseIndex  = "sparse_index"
	tensorSparseValues = "sparse_values"

	kindFloat64 = "f64"
)

func createSchema(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "failed to create meta table")
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE tensors (
			channel TEXT NOT NULL,
			name    TEXT NOT NULL,
			kind    TEXT NOT NULL,
			rows    INTEGER NOT NULL,
			cols    INTEGER NOT NULL,
			data    BLOB,
			PRIMARY KEY (channel, name)
		)
	`); err != nil {
		return errors.Wrap(err, "failed to create tensors table")
	}
	return nil
}

type tensorRow struct {
	Channel string `db:"channel"`
	Name    string `db:"name"`
	Kind    string `db:"kind"`
	Rows    int    `db:"rows"`
	Cols    int    `db:"cols"`
	Data    []byte `db:"data"`
}

func putMeta(ctx context.Context, tx *sqlx.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, key, value)
	return err
}
