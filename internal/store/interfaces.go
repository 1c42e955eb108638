package store

import (
	"context"

	"github.com/yangwenmai/readaloud/internal/model"
)

// ArtifactReader provides read access to artifact records.
type ArtifactReader interface {
	GetArtifact(ctx context.Context, id int64) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, limit int) ([]model.Artifact, error)
}

// ArtifactWriter creates and removes artifact records.
type ArtifactWriter interface {
	CreateArtifact(ctx context.Context, a model.Artifact) (*model.Artifact, error)
	DeleteArtifact(ctx context.Context, id int64) error
}

// FailureRecorder persists and clears the explicit failed state.
type FailureRecorder interface {
	MarkFailed(ctx context.Context, id int64, errorInfo string) error
	ClearFailure(ctx context.Context, id int64) error
}

// PendingLister finds records that still await generation.
type PendingLister interface {
	ListPending(ctx context.Context) ([]model.Artifact, error)
}

// ArtifactRepository combines all record operations for the lifecycle layer.
type ArtifactRepository interface {
	ArtifactReader
	ArtifactWriter
	FailureRecorder
	PendingLister
}
