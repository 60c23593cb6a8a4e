package events

import "time"

// EventType represents the type of real-time event
type EventType string

const (
	EventChunkReceived EventType = "upload.chunk_received"
	EventMerged        EventType = "upload.merged"
	EventFailed        EventType = "upload.failed"
)

// Final reports whether no further events follow for the upload. A failed
// merge is not final: the client may resend fragments and merge again.
func (t EventType) Final() bool {
	return t == EventMerged
}

// Event represents a real-time event that can be sent over WebSocket
type Event struct {
	Type      EventType   `json:"type"`
	UploadID  string      `json:"uploadId"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// ChunkReceivedEvent is sent after a fragment is durably stored.
type ChunkReceivedEvent struct {
	ChunkIndex  int   `json:"chunkIndex"`
	Size        int64 `json:"size"`
	Received    int   `json:"received"`
	TotalChunks int   `json:"totalChunks,omitempty"`
}

// MergedEvent is sent once the artifact is published.
type MergedEvent struct {
	FinalName string `json:"finalName"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum,omitempty"`
}

// FailedEvent carries the classified failure of a merge.
type FailedEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Missing []int  `json:"missing,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, uploadID string, data interface{}) *Event {
	return &Event{
		Type:      eventType,
		UploadID:  uploadID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
