package executor

import (
	"github.com/sipeed/runclaw/pkg/models"
)

// Stream is a handle on one live execution: a lazy sequence of
// output chunks terminated by the aggregate result. Chunks from the
// same source arrive in order; interleaving between stdout and
// stderr is best-effort because the two pipes are drained
// concurrently, so cross-stream order must not be read as
// chronological.
//
// Consumers must drain Chunks; Wait returns only after the chunk
// channel has closed and the process has been reaped. A stream is
// not restartable, recreate one instead.
type Stream struct {
	id     string
	chunks chan models.Chunk
	done   chan struct{}
	result *models.Result
	err    error
}

// ID is the execution id, usable with Kill and IsRunning while the
// process is live.
func (s *Stream) ID() string {
	return s.id
}

// Chunks returns the output sequence. The channel closes once both
// pipes hit EOF.
func (s *Stream) Chunks() <-chan models.Chunk {
	return s.chunks
}

// Wait blocks until the process has exited and both streams are
// drained, then returns the same result shape as Execute. The exit
// code and captured text are always consistent with each other.
func (s *Stream) Wait() (*models.Result, error) {
	<-s.done
	return s.result, s.err
}
