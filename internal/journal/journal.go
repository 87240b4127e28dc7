// Package journal keeps an append-only record of session decisions on disk
// so they survive the restarts the daemon uses as its recovery primitive.
//
// The file is a plain concatenation of CBOR maps with integer keys.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Event names written by the session.
const (
	EventStarted     = "started"
	EventVINs        = "vins"
	EventMaintaining = "maintaining"
	EventCloned      = "cloned"
	EventStopped     = "stopped"
)

// Entry is one journal record.
type Entry struct {
	UnixMilli  int64  `cbor:"1,keyasint"`
	Event      string `cbor:"2,keyasint"`
	VehicleVIN string `cbor:"3,keyasint,omitempty"`
	ColumnVIN  string `cbor:"4,keyasint,omitempty"`
	Detail     string `cbor:"5,keyasint,omitempty"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time { return time.UnixMilli(e.UnixMilli) }

// Journal appends entries to a file.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if needed) the journal at path for appending.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{path: path, f: f}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes e and syncs it to disk. A zero timestamp is set to now.
func (j *Journal) Append(e Entry) error {
	if e.UnixMilli == 0 {
		e.UnixMilli = time.Now().UnixMilli()
	}
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return j.f.Sync()
}

// Close closes the file. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Load reads every entry in the journal at path. A missing file is an empty
// journal. A truncated last record, left by a restart mid-write, is skipped.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	dec := cbor.NewDecoder(f)
	for {
		var e Entry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("journal: decode record %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

// Last returns the most recent entry with the given event, if any.
func Last(entries []Entry, event string) (Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Event == event {
			return entries[i], true
		}
	}
	return Entry{}, false
}
