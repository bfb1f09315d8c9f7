package broadcast

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	h := NewHub(3, discardLogger())
	sub := h.Subscribe()

	for i := 0; i < 10; i++ {
		h.Broadcast([]byte{byte(i)})
	}

	assert.Equal(t, uint64(7), sub.Dropped())
	var got []byte
	for i := 0; i < 3; i++ {
		got = append(got, (<-sub.Messages())[0])
	}
	assert.Equal(t, []byte{7, 8, 9}, got)
}

func TestHubSendToAndUnsubscribe(t *testing.T) {
	h := NewHub(4, discardLogger())
	a, b := h.Subscribe(), h.Subscribe()
	require.NotEqual(t, a.ID, b.ID)

	assert.True(t, h.SendTo(a.ID, []byte("x")))
	assert.Len(t, a.Messages(), 1)
	assert.Len(t, b.Messages(), 0)

	h.Unsubscribe(a.ID)
	h.Unsubscribe(a.ID)
	assert.False(t, h.SendTo(a.ID, []byte("y")))
	assert.Equal(t, 1, h.Count())

	select {
	case <-a.Done():
	default:
		t.Fatal("unsubscribed subscriber must be done")
	}
}
