package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []map[string]interface{}
	types  []string
	active bool
}

func (r *recordingBroadcaster) BroadcastEvent(eventType string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	r.events = append(r.events, data)
}

func (r *recordingBroadcaster) IsEventManagerActive() bool {
	return r.active
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBus_BroadcastsMappedEvents(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	b := &recordingBroadcaster{active: true}
	bus.SetSSEBroadcaster(b)
	require.NoError(t, bus.Start())

	bus.Publish(Event{Type: EventConfigChanged, Source: "config", Data: map[string]interface{}{"valid": true}})
	require.NoError(t, bus.Stop())

	require.Equal(t, 1, b.count())
	assert.Equal(t, "config", b.types[0])
	assert.Equal(t, true, b.events[0]["valid"])
	assert.Equal(t, "config_changed", b.events[0]["event"])

	stats := bus.GetStats()
	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.ProcessedEvents)
	assert.Equal(t, int64(1), stats.EventsByType[EventConfigChanged])
}

func TestEventBus_RateLimitsRequestEvents(t *testing.T) {
	bus := NewEventBus(testLogger(), 100)
	b := &recordingBroadcaster{active: true}
	bus.SetSSEBroadcaster(b)
	require.NoError(t, bus.Start())

	for i := 0; i < 20; i++ {
		bus.Publish(Event{Type: EventRequestCompleted, Data: map[string]interface{}{"i": i}})
	}
	require.NoError(t, bus.Stop())

	assert.Less(t, b.count(), 20, "高频请求事件应被限流")
	assert.GreaterOrEqual(t, b.count(), 1)
	stats := bus.GetStats()
	assert.Equal(t, int64(20), stats.ProcessedEvents)
	assert.Equal(t, int64(20-b.count()), stats.RateLimited)
}

func TestEventBus_InactiveBroadcaster(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	b := &recordingBroadcaster{active: false}
	bus.SetSSEBroadcaster(b)
	require.NoError(t, bus.Start())

	bus.Publish(Event{Type: EventSystemError})
	require.NoError(t, bus.Stop())

	assert.Equal(t, 0, b.count())
}

func TestEventBus_DropsWhenNotRunning(t *testing.T) {
	bus := NewEventBus(testLogger(), 10)
	bus.Publish(Event{Type: EventSystemError})
	assert.Equal(t, int64(0), bus.GetStats().TotalEvents)

	require.NoError(t, bus.Start())
	require.NoError(t, bus.Stop())
	require.NoError(t, bus.Stop(), "重复停止应安全")
	bus.Publish(Event{Type: EventSystemError})
	assert.Equal(t, int64(0), bus.GetStats().TotalEvents)
}

func TestEventBus_DropsWhenBufferFull(t *testing.T) {
	eb := NewEventBus(testLogger(), 1).(*eventBus)
	// running without a processor so the buffer stays full
	eb.running = true

	eb.Publish(Event{Type: EventSystemError})
	eb.Publish(Event{Type: EventSystemError})

	stats := eb.GetStats()
	assert.Equal(t, int64(2), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.DroppedEvents)
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewEventBus(testLogger(), 1000)
	require.NoError(t, bus.Start())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Publish(Event{Type: EventRequestCompleted, Timestamp: time.Now()})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, bus.Stop())

	stats := bus.GetStats()
	assert.Equal(t, int64(200), stats.TotalEvents)
	assert.Equal(t, stats.TotalEvents, stats.ProcessedEvents+stats.DroppedEvents)
}
