package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/dataroom/internal/app"
	"github.com/ashureev/dataroom/internal/config"
	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/orchestrator"
	"github.com/ashureev/dataroom/internal/session"
	"github.com/ashureev/dataroom/internal/status"
)

const localUser = "local"

func newSchemaCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <file>",
		Short: "Print the column summary the planner sees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := openDataset(args[0], dataset.UploadPolicy{})
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, titleStyle.Render(fmt.Sprintf("%s (%d rows)", frame.Name, frame.Len())))
			fmt.Fprintln(c.out, dataset.Summarize(frame))
			return nil
		},
	}
}

func newAskCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <file> <question>",
		Short: "Answer a single question about a file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := c.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer room.close()

			out, err := room.core.Orchestrator.Submit(cmd.Context(), room.state, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			room.printer.outcome(out)
			if out.Status == orchestrator.StatusFailed {
				return out.Err
			}
			return nil
		},
	}
}

func newChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <file>",
		Short: "Start an interactive analysis session",
		Long: `Start an interactive analysis session over a CSV or Excel file.

Commands:
  /redo    discard the last answer and try a different approach
  /retry   run the last failed question again
  /clear   clear the conversation (charts are kept)
  /charts  list charts produced in this session
  /schema  show the dataset summary
  /quit    leave`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room, err := c.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer room.close()
			return room.repl(cmd.Context(), c)
		},
	}
}

// localRoom is one terminal session over a loaded dataset.
type localRoom struct {
	core    *app.Core
	state   *session.State
	printer *printer
}

func (c *cli) resolveConfig() (*config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if c.backend != "" {
		cfg.Engine.Backend = strings.ToLower(c.backend)
	}
	return cfg, nil
}

func (c *cli) open(ctx context.Context, path string) (*localRoom, error) {
	cfg, err := c.resolveConfig()
	if err != nil {
		return nil, err
	}
	p, err := newPrinter(c.out, c.style, c.width, cfg.ChartDir)
	if err != nil {
		return nil, err
	}

	core, err := app.BuildCore(ctx, cfg, app.Deps{
		Completion: c.completion,
		Reporter: status.ReporterFunc(func(_, _ string, ev status.Event) {
			if ev.Type != status.EventDone && ev.Type != status.EventError {
				p.info(ev.Message)
			}
		}),
	})
	if err != nil {
		return nil, err
	}

	frame, err := openDataset(path, core.Policy)
	if err != nil {
		_ = core.Engine.Close()
		return nil, err
	}
	st := core.Registry.Get(localUser, filepath.Base(path))
	st.SetDataset(frame)
	return &localRoom{core: core, state: st, printer: p}, nil
}

func (r *localRoom) close() {
	_ = r.core.Engine.Close()
}

func openDataset(path string, policy dataset.UploadPolicy) (*dataset.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	if policy.MaxBytes > 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat dataset: %w", err)
		}
		if err := policy.Validate(filepath.Base(path), info.Size()); err != nil {
			return nil, err
		}
	}
	return dataset.Load(filepath.Base(path), f)
}

func (r *localRoom) repl(ctx context.Context, c *cli) error {
	p := r.printer
	frame := r.state.Dataset()
	p.info(fmt.Sprintf("Loaded %s (%d rows, %d columns). Ask a question or type /quit.", frame.Name, frame.Len(), len(frame.Columns)))

	orch := r.core.Orchestrator
	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, titleStyle.Render("› "))
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var (
			out orchestrator.Outcome
			err error
		)
		switch line {
		case "/quit", "/exit":
			return nil
		case "/schema":
			fmt.Fprintln(c.out, dataset.Summarize(frame))
			continue
		case "/charts":
			r.listCharts()
			continue
		case "/clear":
			if err := orch.Clear(r.state); err != nil {
				p.errorf("%v", err)
				continue
			}
			p.info("Conversation cleared.")
			continue
		case "/retry":
			out, err = orch.Retry(ctx, r.state)
		case "/redo":
			out, err = orch.Redo(ctx, r.state)
		default:
			if strings.HasPrefix(line, "/") {
				p.errorf("unknown command %s", line)
				continue
			}
			out, err = orch.Submit(ctx, r.state, line)
		}

		switch {
		case errors.Is(err, orchestrator.ErrNothingToRetry):
			p.info("Nothing to retry.")
		case errors.Is(err, orchestrator.ErrNothingToRedo):
			p.info("Nothing to redo.")
		case err != nil:
			p.errorf("%v", err)
		default:
			p.outcome(out)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *localRoom) listCharts() {
	names := r.state.Images.Names()
	if len(names) == 0 {
		r.printer.info("No charts yet.")
		return
	}
	for i, name := range names {
		fmt.Fprintf(r.printer.out, "%d. %s\n", i+1, filepath.Join(r.printer.chartDir, name))
	}
}
