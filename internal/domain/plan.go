package domain

import (
	"fmt"
	"strings"
)

// Plan is the outcome of plan negotiation: either a Clarification or an
// ExecutionPlan. Callers branch with a type switch.
type Plan interface {
	// Format renders the plan as markdown for display and for the engine prompt.
	Format() string
	isPlan()
}

// Clarification asks the user to pick a narrower focus.
type Clarification struct {
	Message string
	Options []string
}

// ExecutionPlan is an ordered list of analysis steps.
type ExecutionPlan struct {
	Steps []string
	Note  string
}

func (Clarification) isPlan() {}
func (ExecutionPlan) isPlan() {}

// Format renders the clarification question followed by a bulleted option list.
func (c Clarification) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**🤖 %s**\n\n", c.Message)
	for i, opt := range c.Options {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(opt)
	}
	return b.String()
}

// Format renders the steps one per line, followed by the consultant's note if any.
func (p ExecutionPlan) Format() string {
	out := strings.Join(p.Steps, "\n")
	if p.Note != "" {
		out += "\n\n**Consultant's Note:** " + p.Note
	}
	return out
}
