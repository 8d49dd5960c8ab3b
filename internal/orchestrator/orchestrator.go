// Package orchestrator runs conversational turns: plan, execute, render.
// Each turn moves a session through an explicit phase machine and leaves the
// history consistent whether it succeeds or fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/result"
	"github.com/ashureev/dataroom/internal/session"
	"github.com/ashureev/dataroom/internal/status"
)

// DefaultRedoSuffix is appended to a redone prompt when no catalogue suffix is configured.
const DefaultRedoSuffix = " (NOTE: User unsatisfied. Try different approach.)"

// Progress messages shown while a turn runs.
const (
	MsgPlanning  = "🧠 **Agent 1 (Planner):** Thinking..."
	MsgExecuting = "⚙️ **Agent 2 (Executor):** Generating Visuals..."
	MsgRendering = "Rendering results..."
	MsgDone      = "Done."
	MsgClarify   = "Waiting for you to pick a focus."
)

var (
	ErrNoDataset      = errors.New("no dataset loaded for this session")
	ErrEmptyQuestion  = errors.New("question is empty")
	ErrNothingToRetry = errors.New("nothing to retry")
	ErrNothingToRedo  = errors.New("nothing to redo")
)

// ExecutionError is a failed turn. The question stays in history and the
// session waits for a retry.
type ExecutionError struct {
	Phase session.Phase
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("An error occurred: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Planner negotiates a plan for a question.
type Planner interface {
	Negotiate(ctx context.Context, question, schemaText string, history []domain.Message) (domain.Plan, error)
}

// Executor runs an execution plan against a dataset.
type Executor interface {
	Execute(ctx context.Context, frame *dataset.Frame, plan domain.ExecutionPlan, question string) (any, error)
}

// Renderer turns a raw engine answer into display text, caching referenced charts.
type Renderer interface {
	Render(raw any, sink result.ImageSink) (string, []string)
}

// Status is the outcome class of a turn.
type Status string

const (
	StatusAnswered      Status = "answered"
	StatusClarification Status = "clarification"
	StatusFailed        Status = "failed"
)

// Outcome reports how a turn ended.
type Outcome struct {
	Status         Status          `json:"status"`
	Message        *domain.Message `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
	Err            error           `json:"-"`
	RetryAvailable bool            `json:"retry_available"`
	RedoAvailable  bool            `json:"redo_available"`
}

// Options configures an Orchestrator.
type Options struct {
	RedoSuffix string
	Reporter   status.Reporter
	Logger     *slog.Logger
}

// Orchestrator drives turns for any number of sessions.
type Orchestrator struct {
	planner    Planner
	executor   Executor
	renderer   Renderer
	redoSuffix string
	reporter   status.Reporter
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(p Planner, x Executor, r Renderer, opts Options) *Orchestrator {
	if opts.RedoSuffix == "" {
		opts.RedoSuffix = DefaultRedoSuffix
	}
	if opts.Reporter == nil {
		opts.Reporter = status.Nop
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		planner:    p,
		executor:   x,
		renderer:   r,
		redoSuffix: opts.RedoSuffix,
		reporter:   opts.Reporter,
		logger:     opts.Logger,
	}
}

// Submit starts a turn for a new question.
func (o *Orchestrator) Submit(ctx context.Context, st *session.State, question string) (Outcome, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Outcome{}, ErrEmptyQuestion
	}
	release, err := st.BeginTurn()
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if st.Dataset() == nil {
		return Outcome{}, ErrNoDataset
	}

	st.UpdateFlags(func(f *session.TurnFlags) {
		*f = session.TurnFlags{LastPrompt: question}
	})
	st.Append(domain.NewUserMessage(question))
	return o.run(ctx, st, question, false), nil
}

// Retry re-runs the last failed question without the redo hint.
func (o *Orchestrator) Retry(ctx context.Context, st *session.State) (Outcome, error) {
	release, err := st.BeginTurn()
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if st.Phase() != session.PhaseErrorPendingRetry || !st.CanRetry() {
		return Outcome{}, ErrNothingToRetry
	}
	if st.Dataset() == nil {
		return Outcome{}, ErrNoDataset
	}

	if last, ok := st.Last(); ok && last.IsAssistant() {
		st.PopLast()
	}
	prompt := st.Flags().LastPrompt
	st.UpdateFlags(func(f *session.TurnFlags) { f.TriggerRetry = false })

	o.logger.Info("Retrying turn", "user_id", st.UserID, "session_id", st.SessionID)
	return o.run(ctx, st, prompt, false), nil
}

// Redo discards the last answer and asks again, steering toward a different approach.
func (o *Orchestrator) Redo(ctx context.Context, st *session.State) (Outcome, error) {
	release, err := st.BeginTurn()
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if !st.CanRedo() {
		return Outcome{}, ErrNothingToRedo
	}
	if st.Dataset() == nil {
		return Outcome{}, ErrNoDataset
	}

	last, _ := st.PopLast()
	prompt := last.TriggerPrompt
	if prompt == "" {
		prompt = st.Flags().LastPrompt
	}
	st.UpdateFlags(func(f *session.TurnFlags) {
		f.RedoInProgress = true
		f.LastPrompt = prompt
	})
	defer st.UpdateFlags(func(f *session.TurnFlags) { f.RedoInProgress = false })

	o.logger.Info("Redoing turn", "user_id", st.UserID, "session_id", st.SessionID, "discarded", last.ID)
	return o.run(ctx, st, prompt, true), nil
}

// Clear empties the conversation. Cached charts stay available to the gallery.
func (o *Orchestrator) Clear(st *session.State) error {
	release, err := st.BeginTurn()
	if err != nil {
		return err
	}
	defer release()
	st.Reset()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, st *session.State, prompt string, isRedo bool) Outcome {
	frame := st.Dataset()
	effective := prompt
	if isRedo {
		effective += o.redoSuffix
	}

	o.enter(st, session.PhasePlanning, status.EventPlanning, MsgPlanning)
	plan, err := o.planner.Negotiate(ctx, effective, dataset.Summarize(frame), st.Messages())
	if err != nil {
		return o.fail(st, session.PhasePlanning, err)
	}

	var exec domain.ExecutionPlan
	switch p := plan.(type) {
	case domain.Clarification:
		msg := domain.NewClarificationMessage(p.Format())
		st.Append(msg)
		o.enter(st, session.PhaseAwaitingClarificationAck, status.EventClarification, MsgClarify)
		return Outcome{Status: StatusClarification, Message: &msg}
	case domain.ExecutionPlan:
		exec = p
	default:
		return o.fail(st, session.PhasePlanning, fmt.Errorf("unexpected plan type %T", plan))
	}

	o.enter(st, session.PhaseExecuting, status.EventExecuting, MsgExecuting)
	raw, err := o.executor.Execute(ctx, frame, exec, prompt)
	if err != nil {
		return o.fail(st, session.PhaseExecuting, err)
	}

	o.enter(st, session.PhaseRendering, status.EventRendering, MsgRendering)
	text, images := o.renderer.Render(raw, st.Images)
	msg := domain.NewAnswerMessage(text, images, exec.Format(), prompt)
	st.Append(msg)

	o.enter(st, session.PhaseIdle, status.EventDone, MsgDone)
	o.logger.Info("Turn answered",
		"user_id", st.UserID,
		"session_id", st.SessionID,
		"images", len(images),
		"redo", isRedo)
	return Outcome{Status: StatusAnswered, Message: &msg, RedoAvailable: st.CanRedo()}
}

func (o *Orchestrator) fail(st *session.State, phase session.Phase, err error) Outcome {
	execErr := &ExecutionError{Phase: phase, Err: err}
	st.UpdateFlags(func(f *session.TurnFlags) { f.TriggerRetry = true })
	o.enter(st, session.PhaseErrorPendingRetry, status.EventError, execErr.Error())
	o.logger.Error("Turn failed",
		"user_id", st.UserID,
		"session_id", st.SessionID,
		"phase", phase,
		"error", err)
	return Outcome{
		Status:         StatusFailed,
		Error:          execErr.Error(),
		Err:            execErr,
		RetryAvailable: true,
	}
}

func (o *Orchestrator) enter(st *session.State, phase session.Phase, typ status.EventType, message string) {
	st.SetPhase(phase)
	o.reporter.Report(st.UserID, st.SessionID, status.Event{
		Type:    typ,
		Phase:   string(phase),
		Message: message,
	})
}
