// Package status holds the human-readable state the daemon shows to the
// outside: the latest status line and a short history.
package status

import (
	"strings"
	"sync"
	"time"
)

// DefaultHistory is the number of messages kept by a Board.
const DefaultHistory = 100

// Entry is one published message.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Board stores the latest status and a ring of recent messages. All methods
// are safe for concurrent use and return copies.
type Board struct {
	mu      sync.RWMutex
	latest  string
	ring    []Entry
	size    int
	version uint64
	now     func() time.Time
}

// NewBoard creates a board keeping size messages; size <= 0 uses
// DefaultHistory.
func NewBoard(size int) *Board {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Board{size: size, ring: make([]Entry, 0, size), now: time.Now}
}

// Publish sets the latest status and appends msg to the history unless it
// equals the newest message already there.
func (b *Board) Publish(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = msg
	b.version++
	if n := len(b.ring); n > 0 && b.ring[n-1].Message == msg {
		return
	}
	if len(b.ring) == b.size {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:b.size-1]
	}
	b.ring = append(b.ring, Entry{Time: b.now(), Message: msg})
}

// Note sets the latest status without recording it in the history. Used for
// high rate updates such as the last received frame.
func (b *Board) Note(msg string) {
	b.mu.Lock()
	b.latest = msg
	b.version++
	b.mu.Unlock()
}

// Latest returns the latest status, or "" if nothing was published.
func (b *Board) Latest() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Version increases with every Publish or Note.
func (b *Board) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Recent returns the history, oldest first.
func (b *Board) Recent() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.ring))
	copy(out, b.ring)
	return out
}

// RecentText renders the history one message per line, prefixed with its
// local time.
func (b *Board) RecentText() string {
	var sb strings.Builder
	for _, e := range b.Recent() {
		sb.WriteString(e.Time.Format("2006-01-02 15:04:05"))
		sb.WriteByte(' ')
		sb.WriteString(e.Message)
		sb.WriteByte('\n')
	}
	return sb.String()
}
