package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/runclaw/pkg/danger"
)

// Status is the lifecycle state of a command.
//
// pending and running are non-terminal; the other four are terminal
// and no transition ever leaves them.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits s -> to.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusTimeout || to == StatusCancelled
	}
	return false
}

// ErrInvalidTransition is returned when a status change would violate
// the state machine, including any attempt to leave a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Initiator identifies who asked for a command to run.
type Initiator string

const (
	InitiatorUser  Initiator = "user"
	InitiatorAgent Initiator = "agent"
)

// Command is one shell invocation: the parsed command line, its
// lifecycle status, and the output captured so far. Records are
// created by NewCommand and mutated by the executor while the process
// runs; they carry no synchronization of their own.
type Command struct {
	ID string `json:"id"`
	// Line is the original command line exactly as submitted; the
	// executor hands it to the shell untouched. Command and Args are
	// the whitespace-split view for display and policy.
	Line        string     `json:"line"`
	Command     string     `json:"command"`
	Args        []string   `json:"args"`
	WorkingDir  string     `json:"working_dir"`
	Status      Status     `json:"status"`
	Stdout      string     `json:"stdout"`
	Stderr      string     `json:"stderr"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Initiator   Initiator  `json:"initiator"`
	RequestID   string     `json:"request_id,omitempty"`
	Approved    bool       `json:"approved"`
}

// NewCommand builds a Command from a raw command line. The line is
// split on whitespace: the first token becomes Command, the rest Args.
// Dangerous lines start pending/unapproved; everything else starts
// running/approved. An empty line is not an error here; the executor
// rejects it at spawn time. requestID may be empty for user-initiated
// commands.
func NewCommand(line, workingDir string, initiator Initiator, requestID string) *Command {
	tokens := strings.Fields(line)
	cmd := &Command{
		ID:         uuid.NewString(),
		Line:       line,
		WorkingDir: workingDir,
		StartedAt:  time.Now(),
		Initiator:  initiator,
		RequestID:  requestID,
	}
	if len(tokens) > 0 {
		cmd.Command = tokens[0]
		cmd.Args = tokens[1:]
	}
	if danger.IsDangerous(line) {
		cmd.Status = StatusPending
		cmd.Approved = false
	} else {
		cmd.Status = StatusRunning
		cmd.Approved = true
	}
	return cmd
}

func (c *Command) transition(to Status) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	return nil
}

// Approve moves a pending command to running and marks it approved.
// Spawning is still the caller's move; running means cleared to run.
func (c *Command) Approve() error {
	if err := c.transition(StatusRunning); err != nil {
		return err
	}
	c.Approved = true
	return nil
}

// MarkExited records a process exit: completed for code 0, failed
// otherwise. Exit code and completion time are set together.
func (c *Command) MarkExited(code int) error {
	to := StatusCompleted
	if code != 0 {
		to = StatusFailed
	}
	if err := c.transition(to); err != nil {
		return err
	}
	c.ExitCode = &code
	now := time.Now()
	c.CompletedAt = &now
	return nil
}

// MarkTimeout records a deadline kill. CompletedAt is set; ExitCode
// stays absent because the process never reported one.
func (c *Command) MarkTimeout() error {
	if err := c.transition(StatusTimeout); err != nil {
		return err
	}
	now := time.Now()
	c.CompletedAt = &now
	return nil
}

// MarkCancelled records an explicit cancellation, either a rejection
// before spawn (pending) or a kill while live (running).
func (c *Command) MarkCancelled() error {
	if err := c.transition(StatusCancelled); err != nil {
		return err
	}
	now := time.Now()
	c.CompletedAt = &now
	return nil
}

// AppendStdout accumulates captured standard output.
func (c *Command) AppendStdout(data string) {
	c.Stdout += data
}

// AppendStderr accumulates captured standard error.
func (c *Command) AppendStderr(data string) {
	c.Stderr += data
}

// Clone returns a deep copy safe to hand to callers while the
// original is still being mutated by the executor.
func (c *Command) Clone() *Command {
	out := *c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.ExitCode != nil {
		code := *c.ExitCode
		out.ExitCode = &code
	}
	if c.CompletedAt != nil {
		at := *c.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// Duration returns the wall-clock time from creation to completion,
// or zero while the command is still in flight.
func (c *Command) Duration() time.Duration {
	if c.CompletedAt == nil {
		return 0
	}
	return c.CompletedAt.Sub(c.StartedAt)
}

// Result is the aggregate outcome of one execution. ExitCode is -1
// when the process died without reporting one (killed by signal),
// matching os/exec. TimedOut and Killed record how the process ended
// when it did not exit on its own.
type Result struct {
	ID         string `json:"id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
	Killed     bool   `json:"killed"`
}

// StreamSource discriminates which pipe a chunk came from.
type StreamSource string

const (
	StreamStdout StreamSource = "stdout"
	StreamStderr StreamSource = "stderr"
)

// Chunk is one piece of streamed output. Chunks from the same source
// arrive in order; interleaving between stdout and stderr is
// best-effort, not chronological.
type Chunk struct {
	Source    StreamSource `json:"type"`
	Data      string       `json:"data"`
	CommandID string       `json:"command_id"`
}
