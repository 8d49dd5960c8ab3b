// Package session holds the per-tab conversation state: message history,
// turn flags, the orchestrator phase, the attached dataset and the image cache.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/domain"
)

// ErrTurnInProgress is returned when a second turn is started on a session
// whose previous turn has not finished.
var ErrTurnInProgress = errors.New("a turn is already in progress for this session")

// Phase is the orchestrator state of a session.
type Phase string

// Orchestrator phases.
const (
	PhaseIdle                     Phase = "idle"
	PhasePlanning                 Phase = "planning"
	PhaseAwaitingClarificationAck Phase = "awaiting_clarification_ack"
	PhaseExecuting                Phase = "executing"
	PhaseRendering                Phase = "rendering"
	PhaseErrorPendingRetry        Phase = "error_pending_retry"
)

// TurnFlags tracks retry and redo bookkeeping between turns.
type TurnFlags struct {
	TriggerRetry   bool   `json:"trigger_retry"`
	RedoInProgress bool   `json:"redo_in_progress"`
	LastPrompt     string `json:"last_prompt"`
}

// State is the mutable state of one session. All accessors are safe for
// concurrent use; BeginTurn serializes turns.
type State struct {
	UserID    string
	SessionID string
	Images    *ImageCache

	turn sync.Mutex

	mu         sync.RWMutex
	messages   []domain.Message
	flags      TurnFlags
	phase      Phase
	dataset    *dataset.Frame
	lastActive time.Time
}

// NewState creates an empty idle session.
func NewState(userID, sessionID string) *State {
	return &State{
		UserID:     userID,
		SessionID:  sessionID,
		Images:     NewImageCache(),
		phase:      PhaseIdle,
		lastActive: time.Now(),
	}
}

// BeginTurn acquires the turn lock. The returned func releases it.
func (s *State) BeginTurn() (func(), error) {
	if !s.turn.TryLock() {
		return nil, ErrTurnInProgress
	}
	s.Touch()
	return s.turn.Unlock, nil
}

// Touch records activity on the session.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the last recorded activity.
func (s *State) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Messages returns a copy of the history.
func (s *State) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Append adds a message to the end of the history.
func (s *State) Append(m domain.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

// Last returns the most recent message.
func (s *State) Last() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return domain.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// PopLast removes and returns the most recent message.
func (s *State) PopLast() (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return domain.Message{}, false
	}
	m := s.messages[len(s.messages)-1]
	s.messages = s.messages[:len(s.messages)-1]
	return m, true
}

// Len returns the number of messages in the history.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Flags returns the current turn flags.
func (s *State) Flags() TurnFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// UpdateFlags applies fn to the turn flags under the state lock.
func (s *State) UpdateFlags(fn func(*TurnFlags)) {
	s.mu.Lock()
	fn(&s.flags)
	s.mu.Unlock()
}

// Phase returns the current orchestrator phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase moves the session to p.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Dataset returns the attached dataset, or nil.
func (s *State) Dataset() *dataset.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataset
}

// SetDataset attaches f to the session. History is kept so a user can keep
// asking after replacing the file.
func (s *State) SetDataset(f *dataset.Frame) {
	s.mu.Lock()
	s.dataset = f
	s.mu.Unlock()
}

// Reset clears the history and turn flags and returns the session to idle.
// The dataset and the image cache are kept.
func (s *State) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.flags = TurnFlags{}
	s.phase = PhaseIdle
	s.mu.Unlock()
}

// CanRetry reports whether the last turn failed and has a prompt to re-run.
func (s *State) CanRetry() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags.TriggerRetry && s.flags.LastPrompt != ""
}

// CanRedo reports whether the last message is an assistant answer that can
// be regenerated.
func (s *State) CanRedo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 || s.flags.TriggerRetry {
		return false
	}
	last := s.messages[len(s.messages)-1]
	return last.IsAssistant() && !last.IsClarification()
}
