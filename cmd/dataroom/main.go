// Package main implements the dataroom terminal client: schema inspection,
// one-shot questions and an interactive analysis session over a local file.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/dataroom/internal/completion"
	"github.com/ashureev/dataroom/internal/config"
)

// cli carries the streams and collaborators shared by every command.
type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	verbose bool
	backend string
	style   string
	width   int

	loadConfig func() (*config.Config, error)
	completion completion.Service
}

func newCLI() *cli {
	return &cli{
		in:         os.Stdin,
		out:        os.Stdout,
		errOut:     os.Stderr,
		loadConfig: config.Load,
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "dataroom",
		Short: "Ask questions about a CSV or Excel file",
		Long: `dataroom negotiates an analysis plan for each question, runs it on the
configured analysis engine and renders the answer in the terminal.

Configuration comes from the environment (and .env), the same as the server.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if c.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: level})))
		},
	}
	root.SetIn(c.in)
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log debug output to stderr")
	root.PersistentFlags().StringVar(&c.backend, "engine", "", "override ENGINE_BACKEND (grpc, docker or fake)")
	root.PersistentFlags().StringVar(&c.style, "style", "auto", "markdown style: auto, dark, light or notty")
	root.PersistentFlags().IntVar(&c.width, "width", 100, "word wrap width for rendered answers")

	root.AddCommand(newSchemaCmd(c), newAskCmd(c), newChatCmd(c))
	return root
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newCLI()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
