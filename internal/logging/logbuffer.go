package logging

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogBuffer is a thread-safe ring buffer of recent log lines. It implements
// io.Writer so it can sit next to stdout in the root logger.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
	now     func() time.Time
}

// NewLogBuffer creates a buffer holding the last size lines
func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		now:     time.Now,
	}
}

// zerolog JSON fields extracted for display
type logLine struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Component string `json:"component"`
}

// Write parses a zerolog JSON line and stores it
func (lb *LogBuffer) Write(p []byte) (int, error) {
	raw := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: lb.now(), Raw: raw, Level: "info", Message: raw}

	var line logLine
	if err := json.Unmarshal(p, &line); err == nil {
		if line.Level != "" {
			entry.Level = line.Level
		}
		entry.Message = line.Message
		entry.Component = line.Component
	}

	lb.mu.Lock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.entries)
	if lb.count < len(lb.entries) {
		lb.count++
	}
	lb.mu.Unlock()

	return len(p), nil
}

// Entries returns buffered lines oldest first
func (lb *LogBuffer) Entries() []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, lb.count)
	start := 0
	if lb.count == len(lb.entries) {
		start = lb.head
	}
	for i := 0; i < lb.count; i++ {
		result[i] = lb.entries[(start+i)%len(lb.entries)]
	}
	return result
}

// Recent returns the last n lines, optionally only those at level or above
func (lb *LogBuffer) Recent(n int, minLevel string) []LogEntry {
	entries := lb.Entries()
	if minLevel != "" {
		threshold := levelRank(minLevel)
		filtered := entries[:0]
		for _, e := range entries {
			if levelRank(e.Level) >= threshold {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if n > 0 && len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}

// Clear drops all buffered lines
func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.head = 0
	lb.count = 0
}

func levelRank(level string) int {
	switch level {
	case "trace":
		return -1
	case "debug":
		return 0
	case "info":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	case "fatal":
		return 4
	case "panic":
		return 5
	default:
		return 1
	}
}
