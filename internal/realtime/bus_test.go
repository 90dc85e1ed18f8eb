package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe("list-1", func(e Event) { order = append(order, "first") })
	bus.Subscribe("list-1", func(e Event) { order = append(order, "second") })

	bus.Publish("list-1", "mod-toggled", nil)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishScopedToTopic(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe("list-1", func(e Event) { got = append(got, "list-1:"+e.Type) })
	bus.Subscribe("list-2", func(e Event) { got = append(got, "list-2:"+e.Type) })

	bus.Publish("list-1", "mod-added", nil)

	assert.Equal(t, []string{"list-1:mod-added"}, got)
}

func TestUnsubscribeRemovesExactlyOneRegistration(t *testing.T) {
	bus := NewBus()

	var a, b int
	unsubA := bus.Subscribe("list-1", func(e Event) { a++ })
	bus.Subscribe("list-1", func(e Event) { b++ })

	bus.Publish("list-1", "mod-toggled", nil)
	unsubA()
	unsubA() // second call is a no-op
	bus.Publish("list-1", "mod-toggled", nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestSubscribeDuringPublishMissesInProgressEvent(t *testing.T) {
	bus := NewBus()

	var lateEvents []string
	bus.Subscribe("list-1", func(e Event) {
		if e.Type == "trigger" {
			bus.Subscribe("list-1", func(e Event) {
				lateEvents = append(lateEvents, e.Type)
			})
		}
	})

	bus.Publish("list-1", "trigger", nil)
	assert.Empty(t, lateEvents, "subscriber added mid-publish must not see the in-progress event")

	bus.Publish("list-1", "next", nil)
	assert.Equal(t, []string{"next"}, lateEvents)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus()

	var delivered int
	bus.Subscribe("list-1", func(e Event) { panic("boom") })
	bus.Subscribe("list-1", func(e Event) { delivered++ })

	assert.NotPanics(t, func() { bus.Publish("list-1", "mod-toggled", nil) })
	assert.Equal(t, 1, delivered)
}

func TestPresenceRefcounting(t *testing.T) {
	bus := NewBus()

	release1 := bus.AddViewer("list-1", "u1", "Alice")
	release2 := bus.AddViewer("list-1", "u1", "Alice") // second window

	viewers := bus.ActiveViewers("list-1")
	require.Len(t, viewers, 1, "two windows, one presence entry")
	assert.Equal(t, Viewer{ID: "u1", Username: "Alice"}, viewers[0])

	release1()
	assert.Len(t, bus.ActiveViewers("list-1"), 1, "still present after first release")

	release2()
	assert.Empty(t, bus.ActiveViewers("list-1"))
}

func TestPresenceUpdatePublishedOnAddAndRelease(t *testing.T) {
	bus := NewBus()

	var updates [][]Viewer
	bus.Subscribe("list-1", func(e Event) {
		if e.Type != "presence-update" {
			return
		}
		data := e.Data.(map[string]any)
		updates = append(updates, data["viewers"].([]Viewer))
	})

	release := bus.AddViewer("list-1", "u1", "Alice")
	require.Len(t, updates, 1)
	assert.Equal(t, []Viewer{{ID: "u1", Username: "Alice"}}, updates[0])

	release()
	require.Len(t, updates, 2)
	assert.Empty(t, updates[1], "final presence-update omits the released viewer")
}

func TestReleaseIsIdempotent(t *testing.T) {
	bus := NewBus()

	bus.AddViewer("list-1", "u1", "Alice")
	release := bus.AddViewer("list-1", "u1", "Alice")

	release()
	release() // must not decrement twice

	assert.Len(t, bus.ActiveViewers("list-1"), 1)
}

func TestActiveViewersSnapshotHasNoSideEffects(t *testing.T) {
	bus := NewBus()

	var published int
	bus.Subscribe("list-1", func(e Event) { published++ })

	bus.ActiveViewers("list-1")
	bus.ActiveViewers("list-1")

	assert.Zero(t, published)
}
