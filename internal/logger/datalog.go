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

	"go.uber.org/zap"
)

// DatalogConfig holds datalog configuration.
type DatalogConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Path       string `yaml:"path" json:"path" mapstructure:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs" mapstructure:"interval_ms"`
}

const (
	maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz
)

var csvHeader = []string{"timestamp", "connection_id", "bytes", "block"}

// Datalog records raw realtime blocks to CSV files with automatic rotation.
// Blocks are stored as hex; decoding them needs a channel definition.
type Datalog struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// NewDatalog creates a datalog. Nothing is written until the first Record.
func NewDatalog(cfg DatalogConfig, log *zap.Logger) *Datalog {
	if cfg.Path == "" {
		cfg.Path = "datalogs"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Datalog{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log.Named("datalog"),
	}
}

// SetEnabled toggles logging at runtime.
func (l *Datalog) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

func (l *Datalog) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a block if the minimum interval has elapsed since the last
// row. It reports whether a row was written.
func (l *Datalog) Record(now time.Time, connectionID string, block []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(block) == 0 {
		return false
	}
	if now.Sub(l.lastTs) < l.interval {
		return false
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			l.log.Error("rotate failed", zap.Error(err))
			return false
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		connectionID,
		strconv.Itoa(len(block)),
		hex.EncodeToString(block),
	}
	if err := l.writer.Write(row); err != nil {
		l.log.Error("write failed", zap.Error(err))
		return false
	}
	l.writer.Flush()
	l.rows++
	return true
}

// Path returns the file currently written, or "".
func (l *Datalog) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Close flushes and closes the current file.
func (l *Datalog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Datalog) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("realtime_%s.csv", now.Format("2006-01-02_150405.000"))
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

	l.log.Info("opened datalog", zap.String("path", path))
	return nil
}

func (l *Datalog) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
