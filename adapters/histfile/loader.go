package histfile

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"datacard/internal"
	apperrors "datacard/internal/errors"
	"datacard/ports"
)

// Loader reads JSON containers. Files are decoded concurrently and merged in
// argument order, so the result does not depend on scheduling.
type Loader struct {
	log         *internal.Logger
	concurrency int
}

// NewLoader creates a loader decoding up to concurrency files at once
func NewLoader(log *internal.Logger, concurrency int) *Loader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Loader{log: log.Named("histfile"), concurrency: concurrency}
}

// Load decodes every file and merges them into one source
func (l *Loader) Load(ctx context.Context, paths ...string) (ports.HistogramSource, error) {
	if len(paths) == 0 {
		return nil, apperrors.InvalidInput("no input files")
	}
	containers := make([]*Container, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := decodeFile(path)
			if err != nil {
				return err
			}
			containers[i] = c
			l.log.Debug("decoded %s: %d processes", path, len(c.Processes))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mem := NewMemory()
	for i, c := range containers {
		if err := mem.AddContainer(c); err != nil {
			return nil, apperrors.InputError(paths[i], err)
		}
	}
	l.log.Info("loaded %d files, %d processes", len(paths), len(mem.Processes()))
	return mem, nil
}

func decodeFile(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.InputError(path, err)
	}
	defer f.Close()
	return Decode(f, path)
}
