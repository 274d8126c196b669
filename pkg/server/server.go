// Package server exposes command execution over HTTP and WebSocket for
// agent integrations. The wire surface has no interactive approver, so
// dangerous commands are refused outright instead of parked; approval
// stays a CLI affair.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/runclaw/pkg/audit"
	"github.com/sipeed/runclaw/pkg/executor"
	"github.com/sipeed/runclaw/pkg/gate"
	"github.com/sipeed/runclaw/pkg/history"
	"github.com/sipeed/runclaw/pkg/logger"
	"github.com/sipeed/runclaw/pkg/models"
)

// Action names accepted from clients.
const (
	ActionExecute = "execute"
	ActionKill    = "kill"
)

// FrameType discriminates server-to-client frames.
type FrameType string

const (
	FrameAccepted FrameType = "accepted"
	FrameStdout   FrameType = "stdout"
	FrameStderr   FrameType = "stderr"
	FrameResult   FrameType = "result"
	FrameKilled   FrameType = "killed"
	FrameError    FrameType = "error"
)

// Request is one client frame. ID optionally preassigns the command id
// on execute and names the target on kill.
type Request struct {
	Action         string            `json:"action"`
	Command        string            `json:"command,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	ID             string            `json:"id,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
}

// Frame is one server frame. Stdout and stderr frames carry Data;
// per-stream ordering matches the process, interleaving between the
// two streams is best-effort.
type Frame struct {
	Type      FrameType      `json:"type"`
	CommandID string         `json:"command_id,omitempty"`
	Data      string         `json:"data,omitempty"`
	Result    *models.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Server wires the gate and executor to WebSocket clients. A nil
// history store disables run recording; a nil sink disables auditing.
type Server struct {
	gate     *gate.Gate
	exec     *executor.Executor
	store    *history.Store
	sink     audit.Sink
	timeout  time.Duration
	upgrader websocket.Upgrader
}

// New returns a server. timeout caps each remote execution; zero means
// no deadline.
func New(g *gate.Gate, exec *executor.Executor, store *history.Store, sink audit.Sink, timeout time.Duration) *Server {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Server{
		gate:    g,
		exec:    exec,
		store:   store,
		sink:    sink,
		timeout: timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP routes: /healthz and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Close kills every execution this server started.
func (s *Server) Close() {
	s.exec.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"running": len(s.exec.RunningCommands()),
	})
}

// wsClient serializes writes; gorilla connections allow only one
// concurrent writer.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("server", "WebSocket upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}
	defer conn.Close()

	logger.InfoCF("server", "Client connected", map[string]interface{}{
		"remote": r.RemoteAddr,
	})
	client := &wsClient{conn: conn}

	// One execution per connection at a time. Kills stay on the read
	// loop so a client can always stop its running command.
	running := make(chan struct{}, 1)

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCF("server", "Client read error", map[string]interface{}{
					"remote": r.RemoteAddr,
					"error":  err.Error(),
				})
			}
			return
		}

		switch req.Action {
		case ActionExecute:
			select {
			case running <- struct{}{}:
				go func(req Request) {
					defer func() { <-running }()
					s.execute(client, req)
				}(req)
			default:
				_ = client.send(Frame{
					Type:  FrameError,
					Error: "an execution is already running on this connection",
				})
			}
		case ActionKill:
			s.kill(client, req)
		default:
			_ = client.send(Frame{
				Type:  FrameError,
				Error: fmt.Sprintf("unknown action %q", req.Action),
			})
		}
	}
}

func (s *Server) execute(client *wsClient, req Request) {
	d := s.gate.Submit(req.Command, req.WorkingDir, models.InitiatorAgent, req.RequestID)
	if !d.Cleared() {
		rec, err := s.gate.Reject(d.Command.ID)
		if err == nil {
			s.record(rec, nil)
		}
		_ = client.send(Frame{
			Type:      FrameError,
			CommandID: d.Command.ID,
			Error: fmt.Sprintf("refused: command matches danger rule %q (%s); approval requires the interactive CLI",
				d.Rule.Name, d.Rule.Description),
		})
		return
	}

	rec := d.Command
	if req.ID != "" {
		rec.ID = req.ID
	}
	if rec.WorkingDir == "" {
		rec.WorkingDir = "."
	}
	timeout := s.timeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	stream, err := s.exec.RunStreaming(context.Background(), rec, executor.Options{
		Env:     req.Env,
		Timeout: timeout,
	})
	if err != nil {
		_ = client.send(Frame{Type: FrameError, CommandID: rec.ID, Error: err.Error()})
		return
	}

	_ = client.send(Frame{Type: FrameAccepted, CommandID: rec.ID})
	_ = s.sink.Write(audit.CommandEntry(audit.EventStarted, rec))

	for chunk := range stream.Chunks() {
		frameType := FrameStdout
		if chunk.Source == models.StreamStderr {
			frameType = FrameStderr
		}
		_ = client.send(Frame{
			Type:      frameType,
			CommandID: chunk.CommandID,
			Data:      chunk.Data,
		})
	}

	res, err := stream.Wait()
	if err != nil {
		_ = client.send(Frame{Type: FrameError, CommandID: rec.ID, Error: err.Error()})
		return
	}
	_ = s.sink.Write(audit.ResultEntry(rec, res))
	s.record(rec, res)
	_ = client.send(Frame{Type: FrameResult, CommandID: rec.ID, Result: res})
}

func (s *Server) kill(client *wsClient, req Request) {
	if s.exec.Kill(req.ID) {
		_ = client.send(Frame{Type: FrameKilled, CommandID: req.ID, Data: "ok"})
		return
	}
	_ = client.send(Frame{Type: FrameKilled, CommandID: req.ID, Data: "not running"})
}

func (s *Server) record(rec *models.Command, res *models.Result) {
	if s.store == nil {
		return
	}
	if err := s.store.Record(rec, res); err != nil {
		logger.WarnCF("server", "History write failed", map[string]interface{}{
			"id":    rec.ID,
			"error": err.Error(),
		})
	}
}
