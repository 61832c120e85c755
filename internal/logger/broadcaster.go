package logger

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

const (
	defaultBufferSize = 500

	// EventLogEntry is the websocket message type for streamed log lines.
	EventLogEntry = "log:entry"
)

// Broadcaster pushes a message to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// LogEntry is a parsed log line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBroadcaster is an io.Writer sink for zerolog JSON output. It keeps the
// recent lines for the API and streams lines at or above its level.
type LogBroadcaster struct {
	buffer *RingBuffer[LogEntry]
	level  zerolog.Level

	mu  sync.RWMutex
	hub Broadcaster
}

// NewLogBroadcaster creates a sink that streams entries at level or above.
// The hub may be attached later with SetHub.
func NewLogBroadcaster(bufferSize int, level zerolog.Level) *LogBroadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &LogBroadcaster{
		buffer: NewRingBuffer[LogEntry](bufferSize),
		level:  level,
	}
}

// SetHub sets the broadcaster used for streaming.
func (b *LogBroadcaster) SetHub(hub Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub = hub
}

// Write implements io.Writer. Malformed lines are dropped.
func (b *LogBroadcaster) Write(p []byte) (int, error) {
	entry, ok := parseEntry(p)
	if !ok {
		return len(p), nil
	}
	b.buffer.Push(entry)

	// The hub logs its own drops; streaming them back would loop.
	if entry.Component == "websocket" {
		return len(p), nil
	}
	if lvl, err := zerolog.ParseLevel(entry.Level); err != nil || lvl < b.level {
		return len(p), nil
	}

	b.mu.RLock()
	hub := b.hub
	b.mu.RUnlock()
	if hub != nil {
		_ = hub.Broadcast(EventLogEntry, entry)
	}
	return len(p), nil
}

// Recent returns up to n buffered entries, oldest first.
func (b *LogBroadcaster) Recent(n int) []LogEntry {
	return b.buffer.Last(n)
}

func parseEntry(data []byte) (LogEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return LogEntry{}, false
	}

	take := func(key string) string {
		v, _ := raw[key].(string)
		delete(raw, key)
		return v
	}

	entry := LogEntry{
		Timestamp: take(zerolog.TimestampFieldName),
		Level:     take(zerolog.LevelFieldName),
		Component: take("component"),
		Message:   take(zerolog.MessageFieldName),
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry, true
}
