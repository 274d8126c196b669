// Package executor owns process spawning, output capture, and
// lifecycle tracking for shell commands. It is the only component
// that touches OS process handles.
//
// Commands are spawned as `<shell> -c <line>` so pipes, redirects,
// and globs behave as the caller expects. That is a trust assumption:
// route untrusted input through the danger classifier and an approval
// gate first.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/runclaw/pkg/logger"
	"github.com/sipeed/runclaw/pkg/models"
)

var (
	// ErrEmptyCommand is returned when the command line has no
	// executable token.
	ErrEmptyCommand = errors.New("empty command")
	// ErrNotApproved is returned when a command record reaches the
	// executor without approval. The factory never hands out running
	// status unapproved, so hitting this means the caller skipped
	// the approval gate.
	ErrNotApproved = errors.New("command not approved")
)

// Options tune a single execution.
type Options struct {
	// WorkingDir is where the process runs. Empty means the current
	// directory. Ignored by Run/RunStreaming, which take the
	// directory from the record.
	WorkingDir string
	// Env entries are merged over the inherited environment,
	// overriding same-named variables.
	Env map[string]string
	// Shell overrides the spawning shell binary for this execution.
	Shell string
	// Timeout schedules a kill after the given wall-clock time.
	// Zero means no deadline.
	Timeout time.Duration
	// ID pre-assigns the execution id, letting callers correlate
	// the result with an upstream request. Ignored by
	// Run/RunStreaming, which use the record's id.
	ID string
	// Initiator defaults to models.InitiatorUser.
	Initiator models.Initiator
	// RequestID correlates agent-originated commands.
	RequestID string
}

// liveEntry tracks one spawned process. The registry map is guarded
// by Executor.mu; everything inside an entry is guarded by entry.mu.
// Lock order is always registry first, entry second, never nested
// the other way.
type liveEntry struct {
	mu        sync.Mutex
	record    *models.Command
	cmd       *exec.Cmd
	killed    bool
	timedOut  bool
	finalized bool
	finished  chan struct{}
}

// Executor runs shell commands and tracks the live ones. The zero
// value is not usable; construct with New.
type Executor struct {
	mu    sync.Mutex
	live  map[string]*liveEntry
	shell string
}

// New returns an executor. shell is the default spawning binary;
// empty means the platform default (sh, powershell on windows).
func New(shell string) *Executor {
	return &Executor{
		live:  make(map[string]*liveEntry),
		shell: shell,
	}
}

// Execute runs the command line to completion and returns the
// aggregate result. Nonzero exit, timeout, and kill are reported in
// the result; only spawn failures and policy violations are errors.
func (e *Executor) Execute(ctx context.Context, line string, opts Options) (*models.Result, error) {
	stream, err := e.ExecuteStreaming(ctx, line, opts)
	if err != nil {
		return nil, err
	}
	for range stream.Chunks() {
	}
	return stream.Wait()
}

// ExecuteStreaming runs the command line and returns a Stream of
// output chunks terminated by the aggregate result.
func (e *Executor) ExecuteStreaming(ctx context.Context, line string, opts Options) (*Stream, error) {
	return e.RunStreaming(ctx, e.newRecord(line, opts), opts)
}

// Run executes an existing command record to completion, typically
// one that went through the approval gate.
func (e *Executor) Run(ctx context.Context, rec *models.Command, opts Options) (*models.Result, error) {
	stream, err := e.RunStreaming(ctx, rec, opts)
	if err != nil {
		return nil, err
	}
	for range stream.Chunks() {
	}
	return stream.Wait()
}

// RunStreaming spawns the record's command line and streams output.
// The record must be approved and non-terminal. The process is
// registered before any output is read and unregistered on every
// path out, spawn failure included.
func (e *Executor) RunStreaming(ctx context.Context, rec *models.Command, opts Options) (*Stream, error) {
	if strings.TrimSpace(rec.Command) == "" {
		return nil, ErrEmptyCommand
	}
	if !rec.Approved {
		return nil, fmt.Errorf("%w: %q", ErrNotApproved, rec.Line)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("command %s is already %s", rec.ID, rec.Status)
	}

	name, args := shellInvocation(e.resolveShell(opts.Shell), rec.Line)
	cmd := exec.Command(name, args...)
	cmd.Dir = rec.WorkingDir
	if len(opts.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), opts.Env)
	}
	setProcGroup(cmd)

	entry := &liveEntry{
		record:   rec,
		cmd:      cmd,
		finished: make(chan struct{}),
	}

	e.mu.Lock()
	if _, exists := e.live[rec.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("execution id %s is already registered", rec.ID)
	}
	e.live[rec.ID] = entry
	e.mu.Unlock()

	remove := func() {
		e.mu.Lock()
		delete(e.live, rec.ID)
		e.mu.Unlock()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		remove()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		remove()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	// Holding entry.mu across Start keeps Kill from interleaving
	// with the spawn; a racing Kill blocks until the pid exists.
	entry.mu.Lock()
	if err := cmd.Start(); err != nil {
		entry.mu.Unlock()
		remove()
		return nil, fmt.Errorf("starting %q: %w", rec.Command, err)
	}
	pid := cmd.Process.Pid
	entry.mu.Unlock()

	logger.DebugCF("executor", "Process started", map[string]interface{}{
		"id":      rec.ID,
		"pid":     pid,
		"command": rec.Command,
	})

	stream := &Stream{
		id:     rec.ID,
		chunks: make(chan models.Chunk, 64),
		done:   make(chan struct{}),
	}

	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, func() {
			e.deadlineKill(rec.ID, opts.Timeout)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			e.Kill(rec.ID)
		case <-entry.finished:
		}
	}()

	started := time.Now()
	go func() {
		var readers sync.WaitGroup
		readers.Add(2)
		go e.drain(entry, stream, stdout, models.StreamStdout, &readers)
		go e.drain(entry, stream, stderr, models.StreamStderr, &readers)
		readers.Wait()
		close(stream.chunks)

		waitErr := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		close(entry.finished)

		result, err := finalize(entry, waitErr, time.Since(started))
		remove()
		stream.result, stream.err = result, err
		close(stream.done)
	}()

	return stream, nil
}

// Kill forcibly terminates a live execution. Unknown or finished ids
// are a no-op returning false; calling it twice is harmless. The
// in-flight Execute/RunStreaming call observes the termination and
// completes its result with killed set.
func (e *Executor) Kill(id string) bool {
	e.mu.Lock()
	entry, ok := e.live[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.finalized {
		return false
	}
	if !entry.killed {
		entry.killed = true
		killProcess(entry.cmd)
		logger.InfoCF("executor", "Process killed", map[string]interface{}{
			"id":      id,
			"command": entry.record.Command,
		})
	}
	return true
}

// deadlineKill is the timeout path: same termination as Kill, marked
// as a deadline rather than a cancellation.
func (e *Executor) deadlineKill(id string, timeout time.Duration) {
	e.mu.Lock()
	entry, ok := e.live[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.finalized || entry.killed || entry.timedOut {
		return
	}
	entry.timedOut = true
	killProcess(entry.cmd)
	logger.WarnCF("executor", "Process deadline exceeded", map[string]interface{}{
		"id":      id,
		"timeout": timeout.String(),
	})
}

// IsRunning reports whether the id is live right now. Best-effort
// snapshot; a concurrent completion can invalidate it immediately.
func (e *Executor) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[id]
	return ok
}

// RunningCommands returns deep-copied snapshots of every live
// command record.
func (e *Executor) RunningCommands() []*models.Command {
	e.mu.Lock()
	entries := make([]*liveEntry, 0, len(e.live))
	for _, entry := range e.live {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	out := make([]*models.Command, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.record.Clone())
		entry.mu.Unlock()
	}
	return out
}

// Close kills every live execution. In-flight calls complete with
// killed results; callers still own draining their streams.
func (e *Executor) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Kill(id)
	}
}

func (e *Executor) newRecord(line string, opts Options) *models.Command {
	dir := opts.WorkingDir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}
	initiator := opts.Initiator
	if initiator == "" {
		initiator = models.InitiatorUser
	}
	rec := models.NewCommand(line, dir, initiator, opts.RequestID)
	if opts.ID != "" {
		rec.ID = opts.ID
	}
	return rec
}

// drain reads one pipe to EOF, appending to the record and emitting
// chunks in arrival order. Each pipe has its own drain goroutine so
// a blocked stream can never stall the other one into a full-buffer
// deadlock in the child.
func (e *Executor) drain(entry *liveEntry, stream *Stream, r io.Reader, source models.StreamSource, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := string(buf[:n])
			entry.mu.Lock()
			if source == models.StreamStdout {
				entry.record.AppendStdout(data)
			} else {
				entry.record.AppendStderr(data)
			}
			entry.mu.Unlock()
			stream.chunks <- models.Chunk{
				Source:    source,
				Data:      data,
				CommandID: entry.record.ID,
			}
		}
		if err != nil {
			return
		}
	}
}

// finalize transitions the record, builds the aggregate result, and
// marks the entry dead for late Kill calls. Exit code -1 means the
// process never reported one.
func finalize(entry *liveEntry, waitErr error, elapsed time.Duration) (*models.Result, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.finalized = true

	rec := entry.record
	code := -1
	exited := false
	if ps := entry.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
		exited = ps.Exited()
	}

	killed := entry.killed
	timedOut := entry.timedOut
	var exitErr *exec.ExitError

	var terr error
	switch {
	case killed:
		terr = rec.MarkCancelled()
	case timedOut:
		terr = rec.MarkTimeout()
	case waitErr == nil || errors.As(waitErr, &exitErr):
		if exited {
			terr = rec.MarkExited(code)
		} else {
			// Something outside this process killed it.
			killed = true
			terr = rec.MarkCancelled()
		}
	default:
		// The process ran but reaping it failed; surface that as a
		// call error after cleanup.
		_ = rec.MarkCancelled()
		return nil, fmt.Errorf("waiting for %q: %w", rec.Command, waitErr)
	}
	if terr != nil {
		logger.WarnCF("executor", "Status transition rejected", map[string]interface{}{
			"id":    rec.ID,
			"error": terr.Error(),
		})
	}

	logger.DebugCF("executor", "Process finished", map[string]interface{}{
		"id":        rec.ID,
		"status":    string(rec.Status),
		"exit_code": code,
	})

	return &models.Result{
		ID:         rec.ID,
		ExitCode:   code,
		Stdout:     rec.Stdout,
		Stderr:     rec.Stderr,
		DurationMs: elapsed.Milliseconds(),
		TimedOut:   timedOut,
		Killed:     killed,
	}, nil
}

func (e *Executor) resolveShell(override string) string {
	if override != "" {
		return override
	}
	return e.shell
}

// shellInvocation builds the argv for `<shell> -c <line>`. An empty
// shell picks the platform default.
func shellInvocation(shell, line string) (string, []string) {
	if shell != "" {
		return shell, []string{"-c", line}
	}
	if runtime.GOOS == "windows" {
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", line}
	}
	return "sh", []string{"-c", line}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	// Remove keys we override (case-sensitive; matches typical UNIX semantics).
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		keep := true
		for k := range overrides {
			prefix := k + "="
			if strings.HasPrefix(kv, prefix) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, kv)
		}
	}
	for k, v := range overrides {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
