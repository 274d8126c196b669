// Package gate parks dangerous commands for approval before they reach
// the executor. Safe lines pass through already cleared; flagged ones
// sit pending until someone approves or rejects them.
package gate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sipeed/runclaw/pkg/audit"
	"github.com/sipeed/runclaw/pkg/danger"
	"github.com/sipeed/runclaw/pkg/logger"
	"github.com/sipeed/runclaw/pkg/models"
)

// ErrUnknownCommand is returned for ids with no pending record,
// including ids that were already approved or rejected.
var ErrUnknownCommand = errors.New("unknown command id")

// Decision is the outcome of submitting one command line.
type Decision struct {
	// Command is the created record. When cleared it is approved and
	// ready for the executor; otherwise it is parked pending.
	Command *models.Command
	// Rule is the first danger rule the line matched, nil when the
	// line was cleared.
	Rule *danger.Rule
}

// Cleared reports whether the command can run without approval.
func (d Decision) Cleared() bool { return d.Rule == nil }

// Gate tracks pending commands awaiting a verdict.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*models.Command
	sink    audit.Sink
}

// New returns a gate writing lifecycle events to sink. A nil sink
// disables auditing.
func New(sink audit.Sink) *Gate {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Gate{
		pending: make(map[string]*models.Command),
		sink:    sink,
	}
}

// Submit classifies a command line and creates its record. Dangerous
// lines are parked pending approval; everything else comes back
// cleared for immediate execution.
func (g *Gate) Submit(line, workingDir string, initiator models.Initiator, requestID string) Decision {
	rec := models.NewCommand(line, workingDir, initiator, requestID)
	rule := danger.Match(line)

	entry := audit.CommandEntry(audit.EventCreated, rec)
	if rule != nil {
		entry.Rule = rule.Name
	}
	_ = g.sink.Write(entry)

	if rule == nil {
		logger.DebugCF("gate", "Command cleared", map[string]interface{}{
			"id":      rec.ID,
			"command": rec.Command,
		})
		return Decision{Command: rec}
	}

	g.mu.Lock()
	g.pending[rec.ID] = rec
	g.mu.Unlock()

	logger.InfoCF("gate", "Command parked for approval", map[string]interface{}{
		"id":   rec.ID,
		"rule": rule.Name,
		"line": rec.Line,
	})
	return Decision{Command: rec, Rule: rule}
}

// Approve clears a pending command and hands its record back for
// execution. The record leaves the gate; approving the same id twice
// reports ErrUnknownCommand.
func (g *Gate) Approve(id string) (*models.Command, error) {
	g.mu.Lock()
	rec, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}

	if err := rec.Approve(); err != nil {
		return nil, err
	}
	_ = g.sink.Write(audit.CommandEntry(audit.EventApproved, rec))
	logger.InfoCF("gate", "Command approved", map[string]interface{}{
		"id":   rec.ID,
		"line": rec.Line,
	})
	return rec, nil
}

// Reject cancels a pending command and removes it from the gate.
func (g *Gate) Reject(id string) (*models.Command, error) {
	g.mu.Lock()
	rec, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}

	if err := rec.MarkCancelled(); err != nil {
		return nil, err
	}
	_ = g.sink.Write(audit.CommandEntry(audit.EventRejected, rec))
	logger.InfoCF("gate", "Command rejected", map[string]interface{}{
		"id":   rec.ID,
		"line": rec.Line,
	})
	return rec, nil
}

// Pending returns copies of the parked records, oldest first.
func (g *Gate) Pending() []*models.Command {
	g.mu.Lock()
	out := make([]*models.Command, 0, len(g.pending))
	for _, rec := range g.pending {
		out = append(out, rec.Clone())
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Get returns a copy of one parked record.
func (g *Gate) Get(id string) (*models.Command, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.pending[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}
