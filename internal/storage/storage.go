package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hou-li-xie/media-service/internal/types/media"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactRecord is the registry row kept for every published artifact.
type ArtifactRecord struct {
	ID           int64          `json:"id"`
	FileType     media.FileType `json:"fileType"`
	FinalName    string         `json:"finalName"`
	OriginalName string         `json:"originalName"`
	UploadID     string         `json:"uploadId,omitempty"`
	Size         int64          `json:"size"`
	MimeType     string         `json:"mimeType"`
	Checksum     string         `json:"checksum"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type ArtifactFilter struct {
	FileType media.FileType
	Limit    uint64
	Offset   uint64
}

// Storage is the artifact registry. The upload core never depends on it;
// the service layer records artifacts after they are published.
type Storage interface {
	RecordArtifact(ctx context.Context, rec ArtifactRecord) (int64, error)
	GetArtifact(ctx context.Context, fileType media.FileType, finalName string) (ArtifactRecord, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]ArtifactRecord, error)
}
