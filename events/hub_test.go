package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub[string](4)
	first, cancelFirst := hub.Subscribe()
	second, cancelSecond := hub.Subscribe()
	defer cancelFirst()
	defer cancelSecond()

	assert.Equal(t, 0, hub.Publish("hello"))
	assert.Equal(t, "hello", <-first)
	assert.Equal(t, "hello", <-second)
}

func TestHubPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	hub := NewHub[int](1)
	ch, cancel := hub.Subscribe()
	defer cancel()

	assert.Equal(t, 0, hub.Publish(1))
	assert.Equal(t, 1, hub.Publish(2))
	assert.Equal(t, 1, <-ch)
}

func TestHubCancelAndClose(t *testing.T) {
	hub := NewHub[int](1)
	ch, cancel := hub.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancelled subscription must be closed")

	other, _ := hub.Subscribe()
	hub.Close()
	hub.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, cancelLate := hub.Subscribe()
	defer cancelLate()
	_, ok = <-late
	require.False(t, ok, "subscriptions after Close receive a closed channel")
	assert.Equal(t, 0, hub.Publish(3))
}
