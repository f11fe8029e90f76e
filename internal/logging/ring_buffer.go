package logging

import (
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the ring buffer.
const DefaultBufferSize = 1000

// Entry is a single captured log record, retained for operational
// introspection (e.g. served by the admin surface's /logs endpoint) independently of
// whatever sinks logrus is also configured to write to (file, stdout).
type Entry struct {
	Timestamp time.Time
	Level     string
	Message   string
	Source    string
	Fields    map[string]interface{}
}

// RingBuffer is a thread-safe circular buffer of recent log entries. It
// implements logrus.Hook so it can be attached alongside the file/stdout
// sinks without altering what they receive.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity. A
// non-positive capacity falls back to DefaultBufferSize.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Levels reports that this hook fires for every log level.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	source := ""
	if entry.Caller != nil {
		source = formatSource(entry.Caller.File, entry.Caller.Line)
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}

	rb.Write(Entry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Source:    source,
		Fields:    fields,
	})
	return nil
}

func formatSource(file string, line int) string {
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' || file[i] == '\\' {
			short = file[i+1:]
			break
		}
	}
	return short + ":" + strconv.Itoa(line)
}

// Write appends an entry directly, bypassing the logrus hook path.
func (rb *RingBuffer) Write(entry Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity

	if rb.count < rb.capacity {
		rb.count++
	} else {
		rb.full = true
	}
}

// Entries returns a copy of all buffered entries, oldest first.
func (rb *RingBuffer) Entries() []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return []Entry{}
	}

	result := make([]Entry, rb.count)
	if rb.full {
		copied := copy(result, rb.entries[rb.head:])
		copy(result[copied:], rb.entries[:rb.head])
	} else {
		copy(result, rb.entries[:rb.count])
	}

	for i := range result {
		if result[i].Fields != nil {
			fieldsCopy := make(map[string]interface{}, len(result[i].Fields))
			for k, v := range result[i].Fields {
				fieldsCopy[k] = v
			}
			result[i].Fields = fieldsCopy
		}
	}
	return result
}

// Recent returns a copy of the n most recent entries, oldest first.
func (rb *RingBuffer) Recent(n int) []Entry {
	entries := rb.Entries()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Len returns the number of entries currently buffered.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap returns the buffer's capacity.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// Clear empties the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head = 0
	rb.count = 0
	rb.full = false
	for i := range rb.entries {
		rb.entries[i] = Entry{}
	}
}

// Global is the process-wide ring buffer attached to the default logger.
var Global = NewRingBuffer(DefaultBufferSize)

// RecentGlobal returns a copy of the n most recent entries from Global.
func RecentGlobal(n int) []Entry {
	return Global.Recent(n)
}
