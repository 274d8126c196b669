// Package audit persists command lifecycle events as JSONL for
// after-the-fact review of what ran, who asked, and how it ended.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sipeed/runclaw/pkg/logger"
	"github.com/sipeed/runclaw/pkg/models"
)

// Event identifies a point in the command lifecycle.
type Event string

const (
	EventCreated   Event = "created"
	EventApproved  Event = "approved"
	EventRejected  Event = "rejected"
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventKilled    Event = "killed"
	EventTimeout   Event = "timeout"
)

// Entry is one persisted audit record.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Event      Event          `json:"event"`
	CommandID  string         `json:"command_id"`
	Line       string         `json:"line,omitempty"`
	Initiator  string         `json:"initiator,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Rule       string         `json:"rule,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CommandEntry builds an Entry from a command record.
func CommandEntry(event Event, cmd *models.Command) Entry {
	return Entry{
		Timestamp: time.Now(),
		Event:     event,
		CommandID: cmd.ID,
		Line:      cmd.Line,
		Initiator: string(cmd.Initiator),
		RequestID: cmd.RequestID,
		ExitCode:  cmd.ExitCode,
	}
}

// ResultEntry builds the terminal lifecycle entry for a finished run:
// timeout or killed when the process was terminated, completed
// otherwise. Nonzero exits count as completed; the exit code tells
// that story.
func ResultEntry(cmd *models.Command, res *models.Result) Entry {
	event := EventCompleted
	switch {
	case res.TimedOut:
		event = EventTimeout
	case res.Killed:
		event = EventKilled
	}
	e := CommandEntry(event, cmd)
	e.DurationMs = res.DurationMs
	return e
}

// Sink writes audit entries.
type Sink interface {
	Write(entry Entry) error
	Close() error
}

// NopSink discards all entries; used when auditing is disabled.
type NopSink struct{}

func (NopSink) Write(Entry) error { return nil }
func (NopSink) Close() error      { return nil }

// ErrClosed is returned by Write after the sink has been closed.
var ErrClosed = errors.New("audit sink closed")

// Buffer writes so lifecycle paths never block on slow filesystems.
const queueSize = 256

// JSONLSink appends entries as JSONL through a buffered writer
// goroutine. A full queue drops the incoming entry rather than block
// a lifecycle path; drops are counted and logged.
type JSONLSink struct {
	path    string
	queue   chan []byte
	quit    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	drops   atomic.Int64
}

// NewJSONLSink creates the parent directory and starts the writer.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &JSONLSink{
		path:    path,
		queue:   make(chan []byte, queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *JSONLSink) Path() string {
	return s.path
}

func (s *JSONLSink) Write(entry Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	line := append(b, '\n')
	select {
	case s.queue <- line:
	default:
		n := s.drops.Add(1)
		logger.WarnCF("audit", "Audit queue full, entry dropped", map[string]interface{}{
			"event": string(entry.Event),
			"drops": n,
		})
	}
	return nil
}

// Drops reports how many entries were discarded because the queue
// was full.
func (s *JSONLSink) Drops() int64 {
	return s.drops.Load()
}

// Close stops the writer after draining queued entries. Safe to call
// more than once.
func (s *JSONLSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)
	<-s.stopped
	return nil
}

func (s *JSONLSink) writeLoop() {
	defer close(s.stopped)
	for {
		select {
		case line := <-s.queue:
			_ = s.appendLine(line)
		case <-s.quit:
			for {
				select {
				case line := <-s.queue:
					_ = s.appendLine(line)
				default:
					return
				}
			}
		}
	}
}

func (s *JSONLSink) appendLine(line []byte) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return nil
}
