package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/orchestrator"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	clarifyStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	planStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// printer writes turn outcomes as rendered markdown.
type printer struct {
	out      io.Writer
	md       *glamour.TermRenderer
	chartDir string
}

func newPrinter(out io.Writer, style string, width int, chartDir string) (*printer, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" || style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	md, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}
	return &printer{out: out, md: md, chartDir: chartDir}, nil
}

func (p *printer) markdown(s string) {
	rendered, err := p.md.Render(s)
	if err != nil {
		fmt.Fprintln(p.out, s)
		return
	}
	fmt.Fprint(p.out, rendered)
}

func (p *printer) outcome(out orchestrator.Outcome) {
	switch out.Status {
	case orchestrator.StatusClarification:
		fmt.Fprintln(p.out, clarifyStyle.Render("Clarification needed"))
		p.markdown(out.Message.Content)
	case orchestrator.StatusFailed:
		fmt.Fprintln(p.out, errorStyle.Render(out.Error))
		if out.RetryAvailable {
			fmt.Fprintln(p.out, mutedStyle.Render("Type /retry to run the question again."))
		}
	default:
		p.answer(out.Message)
	}
}

func (p *printer) answer(m *domain.Message) {
	if m == nil {
		return
	}
	fmt.Fprintln(p.out, titleStyle.Render("Answer"))
	p.markdown(m.Content)
	for _, img := range m.Images {
		fmt.Fprintln(p.out, mutedStyle.Render("chart: "+filepath.Join(p.chartDir, img)))
	}
	if m.Plan != "" {
		fmt.Fprintln(p.out, planStyle.Render("Plan\n"+strings.TrimSpace(m.Plan)))
	}
}

func (p *printer) errorf(format string, args ...any) {
	fmt.Fprintln(p.out, errorStyle.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) info(s string) {
	fmt.Fprintln(p.out, mutedStyle.Render(s))
}
