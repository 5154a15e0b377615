// Package events fans signals out of the Queue Manager, Upload Engine,
// File-Host workers and Rename Worker to any number of subscribers (the
// status API's websocket bridge, the daemon's added-hook runner, tests).
// It generalizes the teacher's
// WebSocketHub register/unregister/broadcast channel loop from websocket
// connections to plain Go channel subscribers.
package events

import "sync"

// Kind names one of the signal types the rest of imxup emits.
type Kind string

const (
	KindStatusChanged        Kind = "status_changed"
	KindProgressUpdated      Kind = "progress_updated"
	KindGalleryAdded         Kind = "gallery_added"
	KindGalleryRemoved       Kind = "gallery_removed"
	KindGalleryArchived      Kind = "gallery_archived"
	KindGalleryStarted       Kind = "gallery_started"
	KindGalleryCompleted     Kind = "gallery_completed"
	KindGalleryRenamed       Kind = "gallery_renamed"
	KindStorageUpdated       Kind = "storage_updated"
	KindFileHostSpinup       Kind = "filehost_spinup"
	KindFileHostStarted      Kind = "upload_started"
	KindFileHostProgress     Kind = "upload_progress"
	KindFileHostCompleted    Kind = "upload_completed"
	KindFileHostFailed       Kind = "upload_failed"
	KindStatusCheckProgress  Kind = "status_check_progress"
	KindStatusCheckCompleted Kind = "status_check_completed"
	KindQueueStats           Kind = "queue_stats"
)

// Event is one signal published on the hub.
type Event struct {
	Kind        Kind
	GalleryPath string
	Data        any
}

// Hub is a fan-out publisher: Publish never blocks on a slow subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewHub returns a ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe returns a channel that receives every future event, and an
// unsubscribe func that must be called when the caller is done listening.
func (h *Hub) Subscribe(buffer int) (ch chan Event, unsubscribe func()) {
	ch = make(chan Event, buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Publish fans an event out to every current subscriber. A subscriber
// whose buffer is full is skipped rather than blocking the publisher,
// mirroring the teacher's "broadcast channel is full" drop behavior.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
