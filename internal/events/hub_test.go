package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndSubscribe(t *testing.T) {
	h := NewHub(16)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeFileDetected, map[string]string{"path": "/drop/a.wav"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeFileDetected, ev.Type)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "/drop/a.wav", data["path"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSnapshotSince(t *testing.T) {
	h := NewHub(16)
	h.Publish(TypeFileDetected, nil)
	h.Publish(TypeFileStable, nil)
	h.Publish(TypeDispatchDone, nil)

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, TypeFileDetected, all[0].Type)

	tail := h.SnapshotSince(all[1].ID)
	require.Len(t, tail, 1)
	assert.Equal(t, TypeDispatchDone, tail[0].Type)
}

func TestRingOverwritesOldest(t *testing.T) {
	h := NewHub(2)
	h.Publish(TypeFileDetected, nil)
	h.Publish(TypeFileStable, nil)
	h.Publish(TypeDispatchDone, nil)

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, TypeFileStable, snap[0].Type)
	assert.Equal(t, TypeDispatchDone, snap[1].Type)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	// Nothing drains the subscription; publishing must still complete.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeFileDetected, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)
}
