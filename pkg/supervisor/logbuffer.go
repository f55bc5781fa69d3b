package supervisor

import (
	"sync"
	"time"
)

// Output streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogEntry is one line of module output.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer keeps the most recent output lines of a module.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

// NewLogBuffer creates a buffer holding at most capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends a line, dropping the oldest one when the buffer is full.
func (lb *LogBuffer) Add(stream, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	entry := LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Stream:    stream,
		Message:   message,
		PID:       pid,
	}
	lb.nextID++

	if len(lb.entries) >= lb.capacity {
		copy(lb.entries, lb.entries[1:])
		lb.entries[len(lb.entries)-1] = entry
		return
	}
	lb.entries = append(lb.entries, entry)
}

// Latest returns up to count of the most recent lines, oldest first.
func (lb *LogBuffer) Latest(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}

	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}

	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// Since returns all lines with an ID greater than fromID.
func (lb *LogBuffer) Since(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, 0)
	for _, e := range lb.entries {
		if e.ID > fromID {
			result = append(result, e)
		}
	}
	return result
}
