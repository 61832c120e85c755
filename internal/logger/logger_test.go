package logger

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Last(0))

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Last(0))

	r.Push(3)
	r.Push(4)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{2, 3, 4}, r.Last(0))
	assert.Equal(t, []int{3, 4}, r.Last(2))
	assert.Equal(t, []int{2, 3, 4}, r.Last(10))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

type recordingHub struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (h *recordingHub) Broadcast(_ string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, payload.(LogEntry))
	return nil
}

func TestLogBroadcaster(t *testing.T) {
	b := NewLogBroadcaster(10, zerolog.WarnLevel)
	hub := &recordingHub{}
	b.SetHub(hub)

	log := zerolog.New(b).With().Timestamp().Logger()
	log.Info().Str("component", "acquisition").Int64("requestId", 7).Msg("Request submitted")
	log.Warn().Str("component", "downloader").Msg("Backend slow")
	log.Warn().Str("component", "websocket").Msg("Dropping websocket message, queue full")

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "info", recent[0].Level)
	assert.Equal(t, "acquisition", recent[0].Component)
	assert.Equal(t, "Request submitted", recent[0].Message)
	assert.EqualValues(t, 7, recent[0].Fields["requestId"])
	assert.NotEmpty(t, recent[0].Timestamp)

	require.Len(t, hub.entries, 1, "only warn and above, never the hub's own lines")
	assert.Equal(t, "Backend slow", hub.entries[0].Message)

	n, err := b.Write([]byte("not json"))
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Len(t, b.Recent(0), 3)
}
