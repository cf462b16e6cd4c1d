package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeByKind(t *testing.T) {
	bus := NewBus(nil)

	var got []Event
	sub := bus.Subscribe(TopicUpdated, func(e Event) { got = append(got, e) })
	defer sub.Unsubscribe()

	bus.Publish(Event{Kind: TopicUpdated, TopicID: "t1"})
	bus.Publish(Event{Kind: AssistantAdded, AssistantID: "a1"})

	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TopicID)
}

func TestBus_SubscribeAllAndOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(SettingChanged, func(Event) { order = append(order, "first") })
	bus.Subscribe(SettingChanged, func(Event) { order = append(order, "second") })

	bus.Publish(Event{Kind: SettingChanged, SettingKey: "theme"})

	assert.Equal(t, []string{"first", "second", "all"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	sub := bus.Subscribe(ImageAdded, func(Event) { calls++ })
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(Event{Kind: ImageAdded})
	assert.Zero(t, calls)
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewBus(nil)

	delivered := false
	bus.Subscribe(AllDataCleared, func(Event) { panic("boom") })
	bus.Subscribe(AllDataCleared, func(Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: AllDataCleared})
	})
	assert.True(t, delivered)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard.Publish(Event{Kind: TopicDeleted})
	})
}
