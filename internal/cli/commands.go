package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/hession/researchmate/internal/memory"
	"github.com/hession/researchmate/internal/report"
	"github.com/hession/researchmate/internal/workingmemory"
)

// CommandSuggestion is a slash command offered for completion.
type CommandSuggestion struct {
	Text        string
	Description string
}

// GetCommandSuggestions returns the slash commands for autocompletion.
func GetCommandSuggestions() []CommandSuggestion {
	return []CommandSuggestion{
		{Text: "/help", Description: "Show help"},
		{Text: "/new", Description: "Start a new thread"},
		{Text: "/threads", Description: "List your threads"},
		{Text: "/switch", Description: "Switch to a thread by number or id"},
		{Text: "/history", Description: "Show the current thread's messages"},
		{Text: "/memory", Description: "Show working memory"},
		{Text: "/memory clear", Description: "Clear working memory of this thread"},
		{Text: "/phase", Description: "Set the research phase"},
		{Text: "/cleanup", Description: "Delete threads without messages"},
		{Text: "/report", Description: "Write a report on this thread, optionally with a topic"},
		{Text: "/exit", Description: "Exit program"},
	}
}

func (r *REPL) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	if rest, ok := strings.CutPrefix(text, "/phase "); ok {
		phases := []prompt.Suggest{
			{Text: string(workingmemory.PhaseInitial)},
			{Text: string(workingmemory.PhaseFollowUp)},
			{Text: string(workingmemory.PhaseAnalysis)},
			{Text: string(workingmemory.PhaseComplete)},
		}
		return prompt.FilterHasPrefix(phases, rest, true)
	}
	cmds := GetCommandSuggestions()
	out := make([]prompt.Suggest, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, prompt.Suggest{Text: c.Text, Description: c.Description})
	}
	return prompt.FilterHasPrefix(out, text, true)
}

// HandleCommand handles built-in commands, returns true to continue loop, false to exit
func (r *REPL) HandleCommand(ctx context.Context, cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true
	}
	args := parts[1:]

	switch strings.ToLower(parts[0]) {
	case "/help":
		r.printHelp()
	case "/new":
		r.newThread(ctx, strings.Join(args, " "))
	case "/threads":
		r.listThreads(ctx)
	case "/switch":
		if len(args) == 0 {
			r.fail("Usage: /switch <number|thread id>")
			break
		}
		r.switchThread(ctx, args[0])
	case "/history":
		r.showHistory(ctx)
	case "/memory":
		if len(args) > 0 && strings.EqualFold(args[0], "clear") {
			r.clearMemory(ctx)
			break
		}
		r.showMemory(ctx)
	case "/phase":
		if len(args) == 0 {
			r.fail("Usage: /phase <initial|follow-up|analysis|complete>")
			break
		}
		r.setPhase(ctx, args[0])
	case "/cleanup":
		r.cleanup(ctx)
	case "/report":
		r.writeReport(ctx, strings.Join(args, " "))
	case "/exit", "/quit", "/q":
		fmt.Fprintf(r.out, "%sGoodbye! 👋%s\n", colorCyan, colorReset)
		return false
	default:
		fmt.Fprintf(r.out, "%s❓ Unknown command: %s%s\n", colorYellow, cmd, colorReset)
		fmt.Fprintln(r.out, "Type /help for available commands")
	}
	return true
}

func (r *REPL) ok(format string, args ...any) {
	fmt.Fprintf(r.out, "%s✅ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
}

func (r *REPL) fail(format string, args ...any) {
	fmt.Fprintf(r.out, "%s❌ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}

func (r *REPL) newThread(ctx context.Context, title string) {
	t, err := r.svc.CreateThread(ctx, r.userID, title)
	if err != nil {
		r.fail("Failed to create thread: %v", err)
		return
	}
	r.threadID = t.ID
	r.ok("New thread %s (%s)", t.ID, t.Title)
}

func (r *REPL) listThreads(ctx context.Context) {
	threads, err := r.svc.Threads(ctx, r.userID)
	if err != nil {
		r.fail("Failed to list threads: %v", err)
		return
	}
	if len(threads) == 0 {
		fmt.Fprintln(r.out, "📋 No threads yet")
		return
	}
	fmt.Fprintf(r.out, "📋 Threads (%d)\n\n", len(threads))
	for i, t := range threads {
		marker := " "
		if t.ID == r.threadID {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %d. %s  %s%s, updated %s ago%s\n", marker, i+1,
			truncateForDisplay(t.Title, 40), colorGray, t.ID, FormatDuration(time.Since(t.UpdatedAt)), colorReset)
	}
}

// switchThread accepts a 1-based position in /threads or a thread id.
func (r *REPL) switchThread(ctx context.Context, ref string) {
	id := ref
	if n, err := strconv.Atoi(ref); err == nil {
		threads, err := r.svc.Threads(ctx, r.userID)
		if err != nil {
			r.fail("Failed to list threads: %v", err)
			return
		}
		if n < 1 || n > len(threads) {
			r.fail("No thread number %d", n)
			return
		}
		id = threads[n-1].ID
	}
	t, err := r.svc.Thread(ctx, r.userID, id)
	if err != nil {
		r.fail("Failed to switch: %v", err)
		return
	}
	r.threadID = t.ID
	r.ok("Switched to %s (%s)", t.ID, t.Title)
}

func (r *REPL) showHistory(ctx context.Context) {
	msgs, err := r.svc.History(ctx, r.userID, r.threadID)
	if err != nil {
		r.fail("Failed to load history: %v", err)
		return
	}
	if len(msgs) == 0 {
		fmt.Fprintln(r.out, "💬 No messages in this thread")
		return
	}
	for _, m := range msgs {
		who, color := "You", colorGreen
		if m.Role != "user" {
			who, color = "ResearchMate", colorBlue
		}
		fmt.Fprintf(r.out, "%s%s:%s %s\n", color, who, colorReset, truncateForDisplay(m.Content, 200))
	}
}

func (r *REPL) showMemory(ctx context.Context) {
	p, err := r.svc.WorkingMemory().Get(ctx, r.userID, r.threadID)
	if err != nil {
		r.fail("Failed to load working memory: %v", err)
		return
	}
	fmt.Fprintln(r.out, workingmemory.RenderSummary(p))
	if m, ok := r.svc.Sessions().Lookup(memory.SessionKey(r.userID, r.threadID)); ok {
		st := m.Stats()
		fmt.Fprintf(r.out, "%sLive session: %d entries, running %s%s\n", colorGray, st.TotalEntries, FormatDuration(m.Duration()), colorReset)
	}
}

func (r *REPL) clearMemory(ctx context.Context) {
	if err := r.svc.WorkingMemory().Clear(ctx, r.userID, r.threadID); err != nil {
		r.fail("Failed to clear working memory: %v", err)
		return
	}
	r.svc.Sessions().Clear(memory.SessionKey(r.userID, r.threadID))
	r.ok("Working memory cleared")
}

func (r *REPL) setPhase(ctx context.Context, phase string) {
	if err := r.svc.WorkingMemory().SetPhase(ctx, r.userID, r.threadID, phase); err != nil {
		r.fail("Failed to set phase: %v", err)
		return
	}
	r.ok("Phase set to %s", phase)
}

func (r *REPL) cleanup(ctx context.Context) {
	res, err := r.svc.CleanupEmptyThreads(ctx, r.userID)
	if err != nil {
		r.fail("Cleanup failed: %v", err)
		return
	}
	r.ok("Deleted %d empty threads, kept %d", res.Deleted, res.Kept)
}

func (r *REPL) writeReport(ctx context.Context, topic string) {
	if r.reports == nil {
		r.fail("Reports are not available")
		return
	}
	fmt.Fprintf(r.out, "%s📝 Writing report...%s\n", colorGray, colorReset)
	rep, err := r.reports.Write(ctx, report.Request{UserID: r.userID, ThreadID: r.threadID, Topic: topic})
	if err != nil {
		r.fail("Report failed: %v", err)
		return
	}
	fmt.Fprintf(r.out, "\n%s\n\n", rep.Markdown)
	for _, w := range rep.Warnings {
		fmt.Fprintf(r.out, "%s⚠️  %s%s\n", colorYellow, w, colorReset)
	}
	if rep.Path != "" {
		r.ok("Report saved to %s", rep.Path)
	} else {
		r.ok("Report on %q written", rep.Topic)
	}
}

func (r *REPL) printHelp() {
	fmt.Fprintf(r.out, "\n%s📚 ResearchMate Help%s\n\n%sCommands:%s\n", colorCyan, colorReset, colorYellow, colorReset)
	for _, c := range GetCommandSuggestions() {
		fmt.Fprintf(r.out, "  %-15s - %s\n", c.Text, c.Description)
	}
	fmt.Fprintf(r.out, "\n%sInput Tips:%s\n", colorYellow, colorReset)
	fmt.Fprintln(r.out, "  • Tab completes commands and phases")
	fmt.Fprintln(r.out, "  • Up/Down browse input history")
	fmt.Fprintln(r.out, "  • End a line with \\ for multi-line input")
	fmt.Fprintln(r.out, "  • Ctrl+C cancels a running reply")
	fmt.Fprintf(r.out, "\n%sExamples:%s\n", colorYellow, colorReset)
	fmt.Fprintln(r.out, `  "Research the latest supply chain attacks on build systems"`)
	fmt.Fprintln(r.out, `  "What did we find about that last week?"`)
	fmt.Fprintln(r.out)
}

// truncateForDisplay flattens newlines and cuts text to maxLen runes
func truncateForDisplay(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.TrimSpace(text)

	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}

// FormatDuration renders d in its largest whole unit
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
