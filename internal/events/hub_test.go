package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe(4)
	defer unsubscribe()

	h.Publish(Event{Kind: KindStatusChanged, GalleryPath: "/g/a"})

	select {
	case ev := <-ch:
		assert.Equal(t, KindStatusChanged, ev.Kind)
		assert.Equal(t, "/g/a", ev.GalleryPath)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Kind: KindProgressUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
	<-ch
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe(1)
	unsubscribe()

	h.Publish(Event{Kind: KindGalleryRemoved})

	_, open := <-ch
	require.False(t, open)
}
