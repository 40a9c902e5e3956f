package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSize caps the log when no size is given.
const DefaultSize = 100

// Entry is one human-readable event.
type Entry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Log is a bounded ring of entries; the oldest entry is evicted first.
type Log struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// New builds a Log holding at most size entries. Entries are mirrored to
// logger at debug level.
func New(size int, logger *zap.Logger) *Log {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		log:     logger,
		now:     time.Now,
		entries: make([]Entry, size),
	}
}

// Add appends an entry.
func (l *Log) Add(message string, data any) Entry {
	entry := Entry{
		ID:      uuid.NewString(),
		Time:    l.now().UTC(),
		Message: message,
		Data:    data,
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if data != nil {
		l.log.Debug(message, zap.Any("data", data))
	} else {
		l.log.Debug(message)
	}
	return entry
}

// Entries returns a copy, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Cap returns the maximum number of entries.
func (l *Log) Cap() int {
	return len(l.entries)
}
