package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/hession/researchmate/internal/app"
	"github.com/hession/researchmate/internal/config"
	"github.com/hession/researchmate/internal/memory"
	"github.com/hession/researchmate/internal/report"
)

const (
	Version = "0.1.0"

	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// Run starts the CLI interactive interface for userID.
func Run(cfg *config.Config, userID string) error {
	printWelcome(os.Stdout)

	if err := cfg.RequireCredentials(); err != nil {
		fmt.Printf("%s⚠️  %v%s\n\n", colorYellow, err, colorReset)
		return err
	}

	r := New(nil, userID, os.Stdout)
	a, err := app.Build(cfg, app.Hooks{Stream: r.streamOutput, ToolCall: r.toolCallOutput})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()
	r.svc = a.Memory
	r.SetReportWriter(a.Reports)

	return r.Loop(context.Background())
}

// REPL is one interactive chat session bound to a user and a current thread.
type REPL struct {
	svc      *memory.Service
	userID   string
	threadID string
	out      io.Writer
	history  []string
	reports  *report.Writer

	// streamed is set once the model streamed any part of the current reply.
	streamed bool
}

// New creates a REPL on a fresh thread.
func New(svc *memory.Service, userID string, out io.Writer) *REPL {
	return &REPL{
		svc:      svc,
		userID:   userID,
		threadID: memory.NewThreadID(time.Now()),
		out:      out,
	}
}

// SetReportWriter enables /report.
func (r *REPL) SetReportWriter(w *report.Writer) { r.reports = w }

// ThreadID returns the current thread.
func (r *REPL) ThreadID() string { return r.threadID }

func printWelcome(out io.Writer) {
	fmt.Fprintf(out, "\n%s🔎 ResearchMate v%s%s - Research assistant with memory\n", colorCyan, Version, colorReset)
	fmt.Fprintf(out, "%sType /help for help, /exit to quit%s\n", colorGray, colorReset)
	fmt.Fprintf(out, "%sEnd a line with \\ to continue on the next one%s\n\n", colorGray, colorReset)
}

// Loop reads input until /exit.
func (r *REPL) Loop(ctx context.Context) error {
	var multiLine strings.Builder
	for {
		prefix := "You: "
		if multiLine.Len() > 0 {
			prefix = "...  "
		}
		line := prompt.Input(prefix, r.complete,
			prompt.OptionHistory(r.history),
			prompt.OptionPrefixTextColor(prompt.Green),
			prompt.OptionTitle("researchmate"),
			prompt.OptionMaxSuggestion(8),
		)

		if multiLine.Len() > 0 {
			if strings.TrimSpace(line) == "" {
				input := strings.TrimSpace(multiLine.String())
				multiLine.Reset()
				r.send(ctx, input)
				continue
			}
			multiLine.WriteString(line)
			multiLine.WriteString("\n")
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		r.history = append(r.history, input)

		if strings.HasSuffix(input, "\\") {
			multiLine.WriteString(strings.TrimSuffix(input, "\\"))
			multiLine.WriteString("\n")
			fmt.Fprintf(r.out, "%s(Multi-line mode: an empty line submits)%s\n", colorGray, colorReset)
			continue
		}

		if strings.HasPrefix(input, "/") {
			if r.HandleCommand(ctx, input) {
				continue
			}
			return nil
		}
		r.send(ctx, input)
	}
}

// send runs one turn. Ctrl+C cancels the turn, not the program.
func (r *REPL) send(parent context.Context, input string) {
	if input == "" {
		return
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	fmt.Fprintf(r.out, "\n%sResearchMate: %s", colorBlue, colorReset)
	r.streamed = false
	res, err := r.svc.Send(ctx, memory.SendRequest{
		UserID:               r.userID,
		ThreadID:             r.threadID,
		Message:              input,
		IncludeWorkingMemory: true,
	})
	if err != nil {
		fmt.Fprintf(r.out, "\n%s❌ Error: %v%s\n\n", colorRed, err, colorReset)
		return
	}
	if !r.streamed {
		fmt.Fprint(r.out, res.AssistantMessage.Content)
	}
	fmt.Fprintln(r.out)
	if res.RecallDegraded {
		fmt.Fprintf(r.out, "%s(earlier conversations could not be recalled this turn)%s\n", colorGray, colorReset)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(r.out, "%s⚠️  %s%s\n", colorYellow, w, colorReset)
	}
	fmt.Fprintln(r.out)
}

// streamOutput handles stream output
func (r *REPL) streamOutput(content string) {
	r.streamed = true
	fmt.Fprint(r.out, content)
}

// toolCallOutput handles tool call output
func (r *REPL) toolCallOutput(name string, args map[string]any, result string, err error) {
	fmt.Fprintf(r.out, "\n\n%s🔧 Calling tool: %s%s\n", colorYellow, name, colorReset)

	if len(args) > 0 {
		fmt.Fprintf(r.out, "%s   Args: %v%s\n", colorGray, args, colorReset)
	}

	if err != nil {
		fmt.Fprintf(r.out, "%s   Status: ❌ Failed - %v%s\n", colorRed, err, colorReset)
	} else {
		fmt.Fprintf(r.out, "%s   Status: ✅ Done%s\n", colorGreen, colorReset)
	}

	fmt.Fprintln(r.out)
}
