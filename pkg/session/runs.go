package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/switchboard/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Run is an in-memory ACP or subagent session with at most one active run.
type Run struct {
	SessionID   string `json:"sessionId"`
	SessionKey  string `json:"sessionKey"`
	Cwd         string `json:"cwd"`
	CreatedAt   int64  `json:"createdAt"`
	ActiveRunID string `json:"activeRunId,omitempty"`
}

type runState struct {
	run    Run
	cancel context.CancelFunc
}

// RunRegistry tracks ACP sessions and their active runs. Nothing is persisted.
type RunRegistry struct {
	mu       sync.Mutex
	sessions map[string]*runState
	byRunID  map[string]string
	now      func() time.Time
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		sessions: make(map[string]*runState),
		byRunID:  make(map[string]string),
		now:      time.Now,
	}
}

// Create registers a session. An empty sessionID gets a fresh UUID.
func (r *RunRegistry) Create(sessionKey, cwd, sessionID string) Run {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state := &runState{run: Run{
		SessionID:  sessionID,
		SessionKey: sessionKey,
		Cwd:        cwd,
		CreatedAt:  r.now().UnixMilli(),
	}}
	if old, ok := r.sessions[sessionID]; ok {
		r.detachLocked(old)
	}
	r.sessions[sessionID] = state
	r.publishLocked()
	return state.run
}

func (r *RunRegistry) Get(sessionID string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return Run{}, false
	}
	return state.run, true
}

func (r *RunRegistry) GetByRunID(runID string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byRunID[runID]
	if !ok {
		return Run{}, false
	}
	state, ok := r.sessions[sessionID]
	if !ok {
		return Run{}, false
	}
	return state.run, true
}

// SetActiveRun attaches a run and its cancel func to a session. It reports
// false when the session is unknown.
func (r *RunRegistry) SetActiveRun(sessionID, runID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if state.run.ActiveRunID != "" {
		delete(r.byRunID, state.run.ActiveRunID)
	}
	state.run.ActiveRunID = runID
	state.cancel = cancel
	r.byRunID[runID] = sessionID
	r.publishLocked()
	return true
}

// StartRun derives a cancellable context for a new run of sessionID and
// registers it as the active run. The returned cancel also detaches the run.
func (r *RunRegistry) StartRun(ctx context.Context, sessionID string) (string, context.Context, context.CancelFunc, error) {
	runID, err := gonanoid.New()
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !r.SetActiveRun(sessionID, runID, cancel) {
		cancel()
		return "", nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	done := func() {
		cancel()
		r.mu.Lock()
		defer r.mu.Unlock()
		if state, ok := r.sessions[sessionID]; ok && state.run.ActiveRunID == runID {
			r.detachLocked(state)
			r.publishLocked()
		}
	}
	return runID, runCtx, done, nil
}

// ClearActiveRun detaches the active run without cancelling it.
func (r *RunRegistry) ClearActiveRun(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.sessions[sessionID]; ok {
		r.detachLocked(state)
		r.publishLocked()
	}
}

// CancelActiveRun cancels and detaches the active run. It reports whether
// there was one to cancel.
func (r *RunRegistry) CancelActiveRun(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok || state.cancel == nil {
		return false
	}
	state.cancel()
	r.detachLocked(state)
	r.publishLocked()
	return true
}

// Reset cancels every active run and forgets all sessions.
func (r *RunRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, state := range r.sessions {
		if state.cancel != nil {
			state.cancel()
		}
	}
	r.sessions = make(map[string]*runState)
	r.byRunID = make(map[string]string)
	r.publishLocked()
}

func (r *RunRegistry) detachLocked(state *runState) {
	if state.run.ActiveRunID != "" {
		delete(r.byRunID, state.run.ActiveRunID)
	}
	state.run.ActiveRunID = ""
	state.cancel = nil
}

func (r *RunRegistry) publishLocked() {
	observability.SetActiveRuns(len(r.byRunID))
}
