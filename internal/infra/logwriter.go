package infra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smprather/kicker/internal/domain"
)

// maxLogBytes is the size at which a log stream becomes eligible for
// trimming.
const maxLogBytes = 10 * 1024 * 1024

// trimCooldown is the minimum time between trims of a single log stream,
// so a script that flips back and forth around the size threshold cannot
// make the writer spend all its time rewriting the file.
const trimCooldown = time.Hour

// trimTargetBytes is roughly how much of the tail a trim keeps: half of
// maxLogBytes, so a trim always brings the file back under 5 MiB.
const trimTargetBytes = maxLogBytes / 2

type jsonRecord struct {
	Timestamp string `json:"timestamp"`
	Script    string `json:"script"`
	Phase     string `json:"phase"`
	Stream    string `json:"stream"`
	Message   string `json:"message,omitempty"`
	Value     int    `json:"value,omitempty"`
	Command   string `json:"command"`
}

// FileLogWriter implements domain.LogWriter, appending check/action
// records to separate files and rotating each one independently once it
// crosses maxLogBytes, subject to trimCooldown.
type FileLogWriter struct {
	format      domain.LogFormat
	checksPath  string
	actionsPath string

	mu         sync.Mutex
	lastTrimAt map[string]time.Time
	dropped    int
}

// NewFileLogWriter creates a log writer in the given format, appending to
// checksPath and actionsPath.
func NewFileLogWriter(format domain.LogFormat, checksPath, actionsPath string) (*FileLogWriter, error) {
	if format != domain.FormatPlainText && format != domain.FormatJSON {
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	for _, p := range []string{checksPath, actionsPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory for %s: %w", p, err)
		}
	}
	return &FileLogWriter{
		format:      format,
		checksPath:  checksPath,
		actionsPath: actionsPath,
		lastTrimAt:  make(map[string]time.Time),
	}, nil
}

// streamChecks and streamActions key the per-stream last-trim timestamps,
// both in memory and in the persisted runtime state.
const (
	streamChecks  = "checks"
	streamActions = "actions"
)

// LogCheck appends a check-phase record to the checks log.
func (w *FileLogWriter) LogCheck(rec domain.LogRecord) error {
	return w.append(w.checksPath, streamChecks, rec)
}

// LogAction appends an action-phase record to the actions log.
func (w *FileLogWriter) LogAction(rec domain.LogRecord) error {
	return w.append(w.actionsPath, streamActions, rec)
}

// LoadTrimState seeds the writer's last-trim timestamps from persisted
// runtime state, so the hourly trim cooldown survives a daemon restart
// instead of resetting to zero and allowing back-to-back trims.
func (w *FileLogWriter) LoadTrimState(trim map[string]time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for stream, at := range trim {
		w.lastTrimAt[stream] = at
	}
}

// TrimState returns the writer's current last-trim timestamps, for the
// caller to persist across restarts.
func (w *FileLogWriter) TrimState() map[string]time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]time.Time, len(w.lastTrimAt))
	for stream, at := range w.lastTrimAt {
		out[stream] = at
	}
	return out
}

// DroppedRecords reports how many records were dropped after a write
// failure exhausted the retry budget.
func (w *FileLogWriter) DroppedRecords() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close is a no-op: FileLogWriter opens and closes its files per append
// rather than holding a handle open across the daemon's lifetime, so
// log rotation by an external tool (logrotate, journald) never races
// against a long-lived descriptor.
func (w *FileLogWriter) Close() error {
	return nil
}

func (w *FileLogWriter) append(path, stream string, rec domain.LogRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trimIfNeeded(path, stream)

	var buf bytes.Buffer
	if w.format == domain.FormatJSON {
		w.writeJSON(&buf, rec)
	} else {
		w.writePlainText(&buf, rec)
	}

	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = f.Write(buf.Bytes())
		closeErr := f.Close()
		if err == nil && closeErr == nil {
			return nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = closeErr
		}
	}

	w.dropped++
	return fmt.Errorf("write log record to %s: %w", path, lastErr)
}

func (w *FileLogWriter) writePlainText(buf *bytes.Buffer, rec domain.LogRecord) {
	ts := isoTimestamp(rec.Timestamp)
	writeLines := func(stream, text string) {
		for _, line := range strings.Split(text, "\n") {
			if line == "" {
				continue
			}
			fmt.Fprintf(buf, "%s [%s] [%s] [%s] %s\n", ts, rec.ScriptName, rec.Phase, stream, line)
		}
	}
	writeLines("stdout", rec.Stdout)
	writeLines("stderr", rec.Stderr)
	fmt.Fprintf(buf, "%s [%s] [%s] [return_code] %d\n", ts, rec.ScriptName, rec.Phase, rec.ExitCode)
}

func (w *FileLogWriter) writeJSON(buf *bytes.Buffer, rec domain.LogRecord) {
	ts := isoTimestamp(rec.Timestamp)
	enc := json.NewEncoder(buf)

	emit := func(stream, message string) {
		_ = enc.Encode(jsonRecord{
			Timestamp: ts,
			Script:    rec.ScriptName,
			Phase:     string(rec.Phase),
			Stream:    stream,
			Message:   message,
			Command:   rec.ScriptName,
		})
	}

	for _, line := range strings.Split(rec.Stdout, "\n") {
		if line != "" {
			emit("stdout", line)
		}
	}
	for _, line := range strings.Split(rec.Stderr, "\n") {
		if line != "" {
			emit("stderr", line)
		}
	}

	_ = enc.Encode(jsonRecord{
		Timestamp: ts,
		Script:    rec.ScriptName,
		Phase:     string(rec.Phase),
		Stream:    "return_code",
		Value:     rec.ExitCode,
		Command:   rec.ScriptName,
	})
}

// trimIfNeeded rewrites path to keep only its tail once it exceeds
// maxLogBytes, at most once per trimCooldown, and always at a record
// boundary so a consumer reading the file never sees a split line.
func (w *FileLogWriter) trimIfNeeded(path, stream string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= maxLogBytes {
		return
	}

	if last, ok := w.lastTrimAt[stream]; ok && time.Since(last) < trimCooldown {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if int64(len(data)) <= trimTargetBytes {
		w.lastTrimAt[stream] = time.Now()
		return
	}

	tail := data[len(data)-trimTargetBytes:]
	if idx := bytes.IndexByte(tail, '\n'); idx >= 0 {
		tail = tail[idx+1:]
	}

	tmpPath := fmt.Sprintf("%s.%d.trim.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, tail, 0o600); err != nil {
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return
	}
	w.lastTrimAt[stream] = time.Now()
}

func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Ensure FileLogWriter implements domain.LogWriter.
var _ domain.LogWriter = (*FileLogWriter)(nil)
