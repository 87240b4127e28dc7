// Package logger records every frame crossing the CAN transport to CSV
// files with automatic rotation.
package logger

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/canlink/internal/can"
)

// Logger is a can.Tracer writing one CSV row per frame.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     zerolog.Logger
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
	files  int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	DefaultPath    = "/var/log/canlink"
	DefaultMaxRows = 100_000 // Rotate after 100k frames
)

var csvHeader = []string{"timestamp", "dir", "id", "ext", "rtr", "dlc", "data"}

// New creates a new Logger. No file is opened until the first frame.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     log.With().Str("component", "trace").Logger(),
		now:     time.Now,
	}
}

// SetEnabled allows toggling the trace at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether tracing is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one frame. Write failures are logged and dropped so the
// transport never blocks on the trace.
func (l *Logger) Record(dir can.Direction, f can.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.now()
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := l.writer.Write(buildRow(now, dir, f)); err != nil {
		l.log.Error().Err(err).Msg("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current trace file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	// The sequence number keeps names unique when rotating within a second.
	l.files++
	filename := fmt.Sprintf("canlink_%s_%03d.csv", now.Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info().Str("path", path).Msg("opened trace file")
	return nil
}

func (l *Logger) closeFile() error {
	var err error
	if l.writer != nil {
		l.writer.Flush()
		err = l.writer.Error()
		l.writer = nil
	}
	if l.file != nil {
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
		l.file = nil
	}
	return err
}

func buildRow(ts time.Time, dir can.Direction, f can.Frame) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		string(dir),
		fmt.Sprintf("%03X", f.ID),
		boolStr(f.Extended),
		boolStr(f.Remote),
		strconv.Itoa(int(f.Len)),
		hex.EncodeToString(f.Payload()),
	}
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
