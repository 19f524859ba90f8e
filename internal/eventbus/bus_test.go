package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	only, unsubOnly := b.Subscribe(4, AnomalyDetected)
	defer unsubOnly()

	Publish(b, EntryEnqueued, EntryEnqueuedEvent{EntryID: "e1"})
	Publish(b, AnomalyDetected, AnomalyDetectedEvent{Platform: "twitter"})

	require.Len(t, all, 2)
	require.Len(t, only, 1)
	ev := <-only
	assert.Equal(t, AnomalyDetected, ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x", Time: time.Now()})
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, Stats{Subscribers: 1, Delivered: 1, Dropped: 2}, StatsOf(b))

	unsub()
	unsub()
	assert.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
	assert.Zero(t, StatsOf(b).Subscribers)
	_, open := <-ch
	assert.True(t, open, "buffered event survives unsubscribe")
	_, open = <-ch
	assert.False(t, open)
}

func TestConcurrentUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		_, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Publish(Event{Type: "x"})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
	assert.Zero(t, StatsOf(b).Subscribers)
}

func TestNilBusPublish(t *testing.T) {
	assert.NotPanics(t, func() { Publish(nil, EntryEnqueued, nil) })
}
