package ports

import (
	"context"

	"datacard/domain/card"
	"datacard/domain/manifest"
)

// ArtifactWriter publishes finalized channels as one fit artifact. The artifact
// appears at path only once it is complete.
type ArtifactWriter interface {
	Write(ctx context.Context, path string, results ...*card.Result) (*manifest.Manifest, error)
}

// ArtifactReader opens a published artifact
type ArtifactReader interface {
	ReadManifest(ctx context.Context, path string) (*manifest.Manifest, error)
}

// ReportWriter renders a human-readable summary of finalized channels
type ReportWriter interface {
	WriteReport(ctx context.Context, path string, results ...*card.Result) error
}
