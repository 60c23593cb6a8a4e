package events

import (
	"errors"
	"testing"

	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/types/events"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	watched map[string]bool
	sent    []*events.Event
}

func (h *fakeHub) BroadcastToUpload(uploadID string, event *events.Event) {
	h.sent = append(h.sent, event)
}

func (h *fakeHub) HasSubscribers(uploadID string) bool { return h.watched[uploadID] }

func TestPublisherSkipsUnwatchedUploads(t *testing.T) {
	hub := &fakeHub{watched: map[string]bool{}}
	p := NewEventPublisher(hub)

	p.PublishChunkReceived("u1", media.ChunkRef{UploadID: "u1", Index: 0, Size: 4}, 1, 5)
	p.PublishMerged("u1", media.Artifact{FinalName: "a.mp4"}, "/api/video/a.mp4")

	assert.Empty(t, hub.sent)
}

func TestPublisherEvents(t *testing.T) {
	hub := &fakeHub{watched: map[string]bool{"u1": true}}
	p := NewEventPublisher(hub)

	p.PublishChunkReceived("u1", media.ChunkRef{UploadID: "u1", Index: 3, Size: 4}, 2, 5)
	p.PublishFailed("u1", mediaerr.NewMissingChunk([]int{1, 4}))
	p.PublishFailed("u1", errors.New("disk on fire"))

	require.Len(t, hub.sent, 3)

	assert.Equal(t, events.EventChunkReceived, hub.sent[0].Type)
	chunk := hub.sent[0].Data.(*events.ChunkReceivedEvent)
	assert.Equal(t, 3, chunk.ChunkIndex)
	assert.Equal(t, 5, chunk.TotalChunks)

	failed := hub.sent[1].Data.(*events.FailedEvent)
	assert.Equal(t, "missing_chunk", failed.Kind)
	assert.Equal(t, []int{1, 4}, failed.Missing)

	opaque := hub.sent[2].Data.(*events.FailedEvent)
	assert.Equal(t, "internal error", opaque.Message)
}
