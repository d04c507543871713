/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps recent log lines in memory for the logs endpoint.
package logbuffer

import (
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

// New creates a log buffer holding at most capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Buffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// each calls fn for every entry in chronological order. b.mu must be held.
func (b *Buffer) each(fn func(LogEntry)) {
	start := 0
	if b.count == b.capacity {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		fn(b.entries[(start+i)%b.capacity])
	}
}

// QueryParams filters a Query.
type QueryParams struct {
	Level      string
	Component  string
	Channel    string
	Search     string // case-insensitive match on message, component and string fields
	Since      time.Time
	Limit      int
	Descending bool
}

func (q QueryParams) match(e LogEntry) bool {
	if q.Level != "" && e.Level != q.Level {
		return false
	}
	if q.Component != "" && e.Component != q.Component {
		return false
	}
	if q.Channel != "" && e.Channel != q.Channel {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if q.Search == "" {
		return true
	}

	needle := strings.ToLower(q.Search)
	if strings.Contains(strings.ToLower(e.Message), needle) ||
		strings.Contains(strings.ToLower(e.Component), needle) {
		return true
	}
	for _, v := range e.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// Query returns the entries matching params.
func (b *Buffer) Query(params QueryParams) []LogEntry {
	b.mu.RLock()
	out := make([]LogEntry, 0, b.count)
	b.each(func(e LogEntry) {
		if params.match(e) {
			out = append(out, e)
		}
	})
	b.mu.RUnlock()

	if params.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out
}

// Stats summarizes the buffer.
type Stats struct {
	Capacity   int            `json:"capacity"`
	Count      int            `json:"count"`
	LevelCount map[string]int `json:"level_count"`
	Components []string       `json:"components"`
}

// Stats returns entry counts by level and the components seen, optionally
// restricted to one channel.
func (b *Buffer) Stats(channel string) Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{Capacity: b.capacity, LevelCount: make(map[string]int)}
	components := make(map[string]struct{})
	b.each(func(e LogEntry) {
		if channel != "" && e.Channel != channel {
			return
		}
		stats.Count++
		stats.LevelCount[e.Level]++
		if e.Component != "" {
			components[e.Component] = struct{}{}
		}
	})

	stats.Components = make([]string, 0, len(components))
	for c := range components {
		stats.Components = append(stats.Components, c)
	}
	sort.Strings(stats.Components)
	return stats
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// Writer captures zerolog JSON lines into a Buffer.
type Writer struct {
	buffer *Buffer
}

// NewWriter creates a writer that captures logs to the buffer.
func NewWriter(buffer *Buffer) *Writer {
	return &Writer{buffer: buffer}
}

// Write implements io.Writer. Lines that are not JSON objects are dropped.
func (w *Writer) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}

	entry := LogEntry{Timestamp: time.Now(), Fields: make(map[string]any)}
	if v, ok := raw["level"].(string); ok {
		entry.Level = v
	}
	if v, ok := raw["message"].(string); ok {
		entry.Message = v
	}
	if v, ok := raw["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := raw["channel"].(string); ok {
		entry.Channel = v
	}
	switch ts := raw["time"].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t
		}
	case float64:
		entry.Timestamp = time.Unix(int64(ts), 0)
	}
	for k, v := range raw {
		switch k {
		case "level", "message", "component", "channel", "time":
		default:
			entry.Fields[k] = v
		}
	}

	w.buffer.Add(entry)
	return len(p), nil
}

var _ io.Writer = (*Writer)(nil)
