package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.submitted", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("task.submitted", "test", map[string]interface{}{"task_id": "t-1"})
	require.NoError(t, b.Publish(context.Background(), "task.submitted", event))

	select {
	case e := <-received:
		assert.Equal(t, "task.submitted", e.Type)
		assert.Equal(t, "t-1", e.Data["task_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusPerSubscriberOrdering(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	const n = 200
	var mu sync.Mutex
	got := make([]int, 0, n)
	done := make(chan struct{})

	_, err := b.Subscribe("task.submitted", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, int(e.Data["seq"].(int)))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		event := NewEvent("task.submitted", "test", map[string]interface{}{"seq": i})
		require.NoError(t, b.Publish(context.Background(), "task.submitted", event))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		require.Equal(t, i, seq, "events must arrive in publication order")
	}
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("task.*", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{"task.submitted", "task.completed", "agent.joined"} {
		event := NewEvent(subject, "test", nil)
		require.NoError(t, b.Publish(context.Background(), subject, event))
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case s := <-received:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	}

	assert.ElementsMatch(t, []string{"task.submitted", "task.completed"}, got)

	// agent.joined must not be delivered
	select {
	case s := <-received:
		t.Fatalf("unexpected event %q", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("task.>", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("task.dead_lettered", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "task.dead_lettered", event))

	select {
	case s := <-received:
		assert.Equal(t, "task.dead_lettered", s)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("task.submitted", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	event := NewEvent("task.submitted", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "task.submitted", event))

	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "task.submitted", NewEvent("task.submitted", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("task.submitted", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
