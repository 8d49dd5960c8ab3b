// Package planner decides, per turn, whether a question is specific enough to
// analyse or whether the user should first pick a narrower focus.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/dataroom/internal/completion"
	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/prompts"
)

// DefaultHistoryWindow is how many trailing messages are shown to the model.
const DefaultHistoryWindow = 5

// ErrParse marks a completion reply that could not be read as a plan.
var ErrParse = errors.New("planner: unparseable plan")

// planReply is the structured output requested from the model.
type planReply struct {
	Type           string   `json:"type" jsonschema:"enum=clarification,enum=plan"`
	Message        string   `json:"message"`
	Options        []string `json:"options"`
	Steps          []string `json:"steps"`
	ConsultantNote string   `json:"consultant_note"`
}

var planSchema = completion.GenerateSchema[planReply]()

// Negotiator produces a Plan for each question.
type Negotiator struct {
	svc     completion.Service
	prompts *prompts.Catalogue
	model   string
	window  int
	logger  *slog.Logger
}

// Config configures a Negotiator.
type Config struct {
	Model         string
	HistoryWindow int
	Logger        *slog.Logger
}

// New creates a Negotiator backed by svc.
func New(svc completion.Service, catalogue *prompts.Catalogue, cfg Config) *Negotiator {
	if catalogue == nil {
		catalogue = prompts.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Negotiator{
		svc:     svc,
		prompts: catalogue,
		model:   cfg.Model,
		window:  cfg.HistoryWindow,
		logger:  cfg.Logger,
	}
}

// Negotiate returns a Clarification or an ExecutionPlan for question. Once the
// history holds a clarification, only ExecutionPlans are returned. Malformed
// replies degrade to a one-step plan; only transport errors are returned.
func (n *Negotiator) Negotiate(ctx context.Context, question, schemaText string, history []domain.Message) (domain.Plan, error) {
	asked := CountClarifications(history)

	prompt, err := n.prompts.RenderPlanner(prompts.PlannerInput{
		Schema:             schemaText,
		History:            HistoryContext(history, n.window),
		Question:           question,
		ClarificationCount: asked,
	})
	if err != nil {
		return nil, err
	}

	out, err := n.svc.Complete(ctx, completion.Request{
		Model:      n.model,
		Prompt:     prompt,
		SchemaName: "Plan",
		Schema:     planSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("plan completion: %w", err)
	}

	plan, err := parsePlan(out)
	if err != nil {
		n.logger.Warn("Falling back to direct plan", "error", err, "clarifications", asked)
		return fallbackPlan(question, err), nil
	}

	if c, ok := plan.(domain.Clarification); ok && asked > 0 {
		n.logger.Info("Clarification already asked, proceeding with first option", "option", c.Options[0])
		return decideForUser(question, c), nil
	}
	return plan, nil
}

// CountClarifications counts assistant clarification turns in history.
func CountClarifications(history []domain.Message) int {
	count := 0
	for _, m := range history {
		if m.IsClarification() {
			count++
		}
	}
	return count
}

// HistoryContext renders the last n messages as "role: content" lines.
func HistoryContext(history []domain.Message, n int) string {
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	lines := make([]string, len(history))
	for i, m := range history {
		lines[i] = fmt.Sprintf("%s: %s", m.Role, m.Content)
	}
	return strings.Join(lines, "\n")
}

func parsePlan(out string) (domain.Plan, error) {
	var r planReply
	if err := completion.DecodeModelJSON(out, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch strings.ToLower(strings.TrimSpace(r.Type)) {
	case "clarification":
		options := nonEmpty(r.Options)
		if len(options) == 0 {
			return nil, fmt.Errorf("%w: clarification without options", ErrParse)
		}
		msg := strings.TrimSpace(r.Message)
		if msg == "" {
			msg = "The request is broad. Would you like to focus on:"
		}
		return domain.Clarification{Message: msg, Options: options}, nil
	case "plan":
		steps := nonEmpty(r.Steps)
		if len(steps) == 0 {
			return nil, fmt.Errorf("%w: plan without steps", ErrParse)
		}
		return domain.ExecutionPlan{Steps: steps, Note: strings.TrimSpace(r.ConsultantNote)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrParse, r.Type)
	}
}

func decideForUser(question string, c domain.Clarification) domain.ExecutionPlan {
	focus := c.Options[0]
	return domain.ExecutionPlan{
		Steps: []string{
			fmt.Sprintf("1. Focus the analysis on: %s", focus),
			fmt.Sprintf("2. Answer the question using that focus: %s", question),
			"3. Produce the single most impactful chart or metric and summarise the top insights.",
		},
		Note: fmt.Sprintf("Assuming the user wants %s, since a clarification was already requested.", focus),
	}
}

func fallbackPlan(question string, cause error) domain.ExecutionPlan {
	return domain.ExecutionPlan{
		Steps: []string{fmt.Sprintf("1. Answer the question directly: %s", question)},
		Note:  fmt.Sprintf("The planner reply could not be read (%v); proceeding with a direct answer.", cause),
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
