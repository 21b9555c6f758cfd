package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/local/docconvert/internal/logger"
	"github.com/local/docconvert/internal/workspace"
)

// State is a conversion job lifecycle state.
type State string

const (
	StateReceived   State = "received"
	StateValidating State = "validating"
	StateConverting State = "converting"
	StateVerifying  State = "verifying"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// forward lists the single successor of each non-terminal state. Failed is
// reachable from any non-terminal state and is handled separately.
var forward = map[State]State{
	StateReceived:   StateValidating,
	StateValidating: StateConverting,
	StateConverting: StateVerifying,
	StateVerifying:  StateStreaming,
	StateStreaming:  StateCompleted,
}

// Job is one conversion request. Only the orchestrator mutates it.
type Job struct {
	ID           string
	InputPath    string
	InputFormat  string
	OutputFormat string
	Workspace    *workspace.Workspace
	CreatedAt    time.Time

	mu       sync.Mutex
	state    State
	failedIn State
	err      error
	history  []State
	log      zerolog.Logger
}

func newJob() *Job {
	id := uuid.NewString()
	return &Job{
		ID:        id,
		CreatedAt: time.Now(),
		state:     StateReceived,
		history:   []State{StateReceived},
		log:       logger.ForJob(id),
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure cause, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// FailedIn returns the state the job was in when it failed.
func (j *Job) FailedIn() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failedIn
}

// History returns every state the job has entered, in order.
func (j *Job) History() []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]State(nil), j.history...)
}

// advance moves to the next state. Only the edges in forward are legal.
func (j *Job) advance(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if next, ok := forward[j.state]; !ok || next != to {
		return fmt.Errorf("illegal job transition %s -> %s", j.state, to)
	}
	j.log.Debug().Str("from", string(j.state)).Str("state", string(to)).Msg("job state change")
	j.state = to
	j.history = append(j.history, to)
	return nil
}

// fail moves a non-terminal job to failed. It reports false if the job had
// already terminated.
func (j *Job) fail(err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.failedIn = j.state
	j.err = err
	j.state = StateFailed
	j.history = append(j.history, StateFailed)
	return true
}
