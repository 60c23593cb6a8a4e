package events

import (
	"errors"

	"github.com/hou-li-xie/media-service/internal/mediaerr"
	"github.com/hou-li-xie/media-service/internal/types/events"
	"github.com/hou-li-xie/media-service/internal/types/media"
)

// Publisher interface for publishing upload progress
type Publisher interface {
	PublishChunkReceived(uploadID string, ref media.ChunkRef, received, total int)
	PublishMerged(uploadID string, artifact media.Artifact, url string)
	PublishFailed(uploadID string, err error)
}

// EventPublisher implements the Publisher interface
type EventPublisher struct {
	hub WebSocketHub
}

// WebSocketHub interface for the WebSocket hub
type WebSocketHub interface {
	BroadcastToUpload(uploadID string, event *events.Event)
	HasSubscribers(uploadID string) bool
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(hub WebSocketHub) *EventPublisher {
	return &EventPublisher{
		hub: hub,
	}
}

func (p *EventPublisher) PublishChunkReceived(uploadID string, ref media.ChunkRef, received, total int) {
	// Only send if someone is watching this upload
	if !p.hub.HasSubscribers(uploadID) {
		return
	}

	p.hub.BroadcastToUpload(uploadID, events.NewEvent(events.EventChunkReceived, uploadID, &events.ChunkReceivedEvent{
		ChunkIndex:  ref.Index,
		Size:        ref.Size,
		Received:    received,
		TotalChunks: total,
	}))
}

func (p *EventPublisher) PublishMerged(uploadID string, artifact media.Artifact, url string) {
	if !p.hub.HasSubscribers(uploadID) {
		return
	}

	p.hub.BroadcastToUpload(uploadID, events.NewEvent(events.EventMerged, uploadID, &events.MergedEvent{
		FinalName: artifact.FinalName,
		URL:       url,
		Size:      artifact.Size,
		Checksum:  artifact.Checksum,
	}))
}

func (p *EventPublisher) PublishFailed(uploadID string, err error) {
	if err == nil || !p.hub.HasSubscribers(uploadID) {
		return
	}

	data := &events.FailedEvent{Kind: string(mediaerr.KindOf(err)), Message: "internal error"}
	var me *mediaerr.Error
	if errors.As(err, &me) {
		data.Message = me.Message
		if d, ok := me.Detail.(mediaerr.MissingChunkDetail); ok {
			data.Missing = d.Missing
		}
	}
	p.hub.BroadcastToUpload(uploadID, events.NewEvent(events.EventFailed, uploadID, data))
}
