package media

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// FileType selects the storage area (target and temp directories, limits).
type FileType string

const (
	FileTypeVideo FileType = "video"
	FileTypeImage FileType = "image"
)

var FileTypes = []FileType{FileTypeVideo, FileTypeImage}

func (t FileType) Valid() bool {
	return t == FileTypeVideo || t == FileTypeImage
}

var mimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "video/ogg",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".flv":  "video/x-flv",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".tiff": "image/tiff",
}

// MimeType looks the extension up in the static table. Unknown extensions
// are served as application/octet-stream.
func MimeType(name string) string {
	if m, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "application/octet-stream"
}

// TypeSpec is the resolved configuration of one file type.
type TypeSpec struct {
	Type            FileType
	TargetDir       string
	TempDir         string
	AllowedExts     []string
	MaxSize         int64
	MaxFiles        int
	ChunkSize       int64
	ChunkRetryTimes int
	ChunkTimeout    time.Duration
	EnableChunking  bool
}

// Allows reports whether name carries one of the allowed extensions.
func (s TypeSpec) Allows(name string) bool {
	return slices.Contains(s.AllowedExts, strings.ToLower(filepath.Ext(name)))
}

// RecommendedChunkSize scales the chunk size with the file size.
func (s TypeSpec) RecommendedChunkSize(fileSize int64) int64 {
	switch {
	case fileSize > 1<<30:
		return 5 << 20
	case fileSize > 100<<20:
		return 2 << 20
	case fileSize > 10<<20:
		return 1 << 20
	default:
		return s.ChunkSize
	}
}

func (s TypeSpec) NeedsChunking(fileSize int64) bool {
	return s.EnableChunking && fileSize > 2*s.ChunkSize
}

func CalculateChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Layout maps every file type to its spec.
type Layout map[FileType]TypeSpec

func (l Layout) Spec(t FileType) (TypeSpec, error) {
	s, ok := l[t]
	if !ok {
		return TypeSpec{}, fmt.Errorf("unknown file type %q", t)
	}
	return s, nil
}

// Detect routes a file name to a type by extension.
func (l Layout) Detect(name string) (FileType, bool) {
	for _, t := range FileTypes {
		if s, ok := l[t]; ok && s.Allows(name) {
			return t, true
		}
	}
	return "", false
}

// UploadSession tracks one chunked upload.
type UploadSession struct {
	UploadID       string    `json:"uploadId"`
	FileType       FileType  `json:"fileType"`
	FileName       string    `json:"fileName,omitempty"`
	FileSize       int64     `json:"fileSize,omitempty"`
	ChunkSize      int64     `json:"chunkSize,omitempty"`
	TotalChunks    int       `json:"totalChunks,omitempty"`
	ReceivedChunks []int     `json:"receivedChunks"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// MissingChunks lists indices in [0,TotalChunks) not yet received.
func (s UploadSession) MissingChunks() []int {
	missing := []int{}
	for i := 0; i < s.TotalChunks; i++ {
		if !slices.Contains(s.ReceivedChunks, i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// UploadStatus is the resume view of an upload: what arrived and what is
// still expected.
type UploadStatus struct {
	UploadSession
	Missing  []int `json:"missingChunks"`
	Complete bool  `json:"complete"`
}

// ChunkRef describes a stored fragment.
type ChunkRef struct {
	UploadID string `json:"uploadId"`
	Index    int    `json:"chunkIndex"`
	Path     string `json:"-"`
	Size     int64  `json:"size"`
}

// Artifact is a finalized, immutable media file.
type Artifact struct {
	FinalName  string    `json:"finalName"`
	StoredPath string    `json:"-"`
	FileType   FileType  `json:"fileType"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType"`
	Checksum   string    `json:"checksum,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ListEntry is one row of a directory listing.
type ListEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

type CreateSessionRequest struct {
	FileType string `json:"fileType" validate:"required,oneof=video image"`
	FileName string `json:"fileName" validate:"required,max=255"`
	FileSize int64  `json:"fileSize" validate:"required,min=1"`
}

type CreateSessionResponse struct {
	UploadID      string    `json:"uploadId"`
	ChunkSize     int64     `json:"chunkSize"`
	TotalChunks   int       `json:"totalChunks"`
	NeedsChunking bool      `json:"needsChunking"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type MergeChunksRequest struct {
	UploadID    string `json:"uploadId,omitempty" validate:"omitempty,max=128"`
	FileType    string `json:"fileType" validate:"required,oneof=video image"`
	FileName    string `json:"fileName" validate:"required,max=255"`
	TotalChunks int    `json:"totalChunks" validate:"required,min=1,max=100000"`
}

type MergeChunksResponse struct {
	FinalName string `json:"finalName"`
	Path      string `json:"path"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum,omitempty"`
}

// UploadResult reports the outcome of one file in a multi-file upload.
type UploadResult struct {
	OriginalName string   `json:"originalName"`
	FileName     string   `json:"fileName,omitempty"`
	FileType     FileType `json:"fileType,omitempty"`
	Size         int64    `json:"size"`
	URL          string   `json:"url,omitempty"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

type UploadSummary struct {
	Total              int            `json:"total"`
	Success            int            `json:"success"`
	Failed             int            `json:"failed"`
	TotalSize          int64          `json:"totalSize"`
	TotalSizeFormatted string         `json:"totalSizeFormatted"`
	Files              []UploadResult `json:"files"`
}
