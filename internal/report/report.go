// Package report turns a thread's research into a written report. The work
// runs in two model passes: an analysis of the gathered material, then a
// formatting pass that produces the final markdown. Finished reports are kept
// in the knowledge base and, optionally, on disk.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/conversation"
	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/memory"
	"github.com/hession/researchmate/internal/workingmemory"
)

var log = logger.Named("report")

// DefaultMaxInputChars bounds the material handed to each model pass.
const DefaultMaxInputChars = 50000

const truncatedNote = "\n\n[Content truncated due to length]"

// Prompts are the system prompts of the two passes.
type Prompts struct {
	Analysis string
	Format   string
}

// Options configures a Writer. Knowledge and Dir are optional.
type Options struct {
	Knowledge     *knowledge.Base
	Dir           string
	Prompts       Prompts
	MaxInputChars int
	// Retries is how many times a pass is retried after a transient failure.
	Retries int
	Backoff time.Duration
	Clock   func() time.Time
}

// Request names the thread to report on. An empty Topic uses the thread title.
type Request struct {
	UserID   string
	ThreadID string
	Topic    string
}

// Report is a finished report. Warnings list the storage steps that failed.
type Report struct {
	ThreadID    string    `json:"threadId"`
	Topic       string    `json:"topic"`
	Markdown    string    `json:"markdown"`
	Analysis    string    `json:"analysis"`
	Sources     []string  `json:"sources"`
	KnowledgeID string    `json:"knowledgeId,omitempty"`
	Path        string    `json:"path,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
	Warnings    []string  `json:"warnings,omitempty"`
}

func (r *Report) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warn("report for %s: %s", r.ThreadID, msg)
	r.Warnings = append(r.Warnings, msg)
}

// Writer produces reports.
type Writer struct {
	svc  *memory.Service
	gen  llm.Generator
	opts Options
}

func New(svc *memory.Service, gen llm.Generator, opts Options) *Writer {
	if opts.Prompts.Analysis == "" {
		opts.Prompts.Analysis = "You are a research analyst. Turn raw research notes into a structured analysis with a summary, key findings, open questions and recommendations."
	}
	if opts.Prompts.Format == "" {
		opts.Prompts.Format = "You are a report writer. Produce a clear markdown report with headed sections and a list of sources."
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = DefaultMaxInputChars
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Writer{svc: svc, gen: gen, opts: opts}
}

// Write runs both passes and stores the result. Only gathering and the model
// passes can fail the call.
func (w *Writer) Write(ctx context.Context, req Request) (*Report, error) {
	thread, err := w.svc.OwnedThread(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, err
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		topic = thread.Title
	}
	if topic == "" {
		topic = memory.DefaultThreadTitle
	}
	rep := &Report{ThreadID: req.ThreadID, Topic: topic}

	progress, err := w.svc.WorkingMemory().Get(ctx, req.UserID, req.ThreadID)
	if err != nil {
		rep.warn("working memory unavailable: %v", err)
		progress = workingmemory.NewProgress()
	}
	history, err := w.svc.History(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(history) == 0 && len(progress.Findings) == 0 && len(progress.Insights) == 0 {
		return nil, apperr.Invalid("write report", "thread has no research to report on")
	}
	rep.Sources = sources(progress)

	material := truncateAtBoundary(buildMaterial(progress, history), w.opts.MaxInputChars)
	rep.Analysis, err = w.pass(ctx, req, w.opts.Prompts.Analysis, fmt.Sprintf(
		"Analyze the research gathered on %q.\n\n%s\n\nStructure the analysis in distinct sections.", topic, material))
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	analysis := truncateAtBoundary(rep.Analysis, w.opts.MaxInputChars)
	rep.Markdown, err = w.pass(ctx, req, w.opts.Prompts.Format, fmt.Sprintf(
		"Write the final report on %q from this analysis.\n\n%s\n\n## Sources\n%s", topic, analysis, bulletList(rep.Sources)))
	if err != nil {
		return nil, fmt.Errorf("formatting failed: %w", err)
	}
	rep.GeneratedAt = w.opts.Clock()

	w.store(ctx, req, rep)
	w.save(rep)
	log.Info("report on %q for thread %s: %d chars", topic, req.ThreadID, len(rep.Markdown))
	return rep, nil
}

// pass calls the model, retrying transient failures with a growing delay.
func (w *Writer) pass(ctx context.Context, req Request, system, prompt string) (string, error) {
	genReq := llm.Request{
		System:     system,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ThreadID:   req.ThreadID,
		ResourceID: req.UserID,
	}
	var err error
	for attempt := 0; ; attempt++ {
		var out string
		out, err = w.gen.Generate(ctx, genReq)
		if err == nil {
			if out = strings.TrimSpace(out); out == "" {
				return "", llm.ErrEmptyResponse
			}
			return out, nil
		}
		if !apperr.IsTransient(err) || attempt >= w.opts.Retries {
			return "", err
		}
		delay := w.opts.Backoff * time.Duration(attempt+1)
		log.Warn("model unavailable, retrying in %s (attempt %d/%d): %v", delay, attempt+1, w.opts.Retries, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Writer) store(ctx context.Context, req Request, rep *Report) {
	if w.opts.Knowledge == nil {
		return
	}
	ids, err := w.opts.Knowledge.Add(ctx, []knowledge.Document{{
		ID:         "report-" + req.ThreadID,
		Collection: knowledge.CollectionReports,
		Content:    rep.Markdown,
		Metadata: map[string]string{
			"identifier":  rep.Topic,
			"source":      "report",
			"thread_id":   req.ThreadID,
			"resource_id": req.UserID,
		},
	}})
	if err != nil {
		rep.warn("report not stored in knowledge base: %v", err)
		return
	}
	rep.KnowledgeID = ids[0]
}

func (w *Writer) save(rep *Report) {
	if w.opts.Dir == "" {
		return
	}
	if err := os.MkdirAll(w.opts.Dir, 0755); err != nil {
		rep.warn("report not saved: %v", err)
		return
	}
	name := fmt.Sprintf("%s-%d.md", slug(rep.Topic), rep.GeneratedAt.UnixMilli())
	path := filepath.Join(w.opts.Dir, name)
	if err := os.WriteFile(path, []byte(rep.Markdown), 0644); err != nil {
		rep.warn("report not saved: %v", err)
		return
	}
	rep.Path = path
}

func buildMaterial(p *workingmemory.Progress, history []memory.ChatMessage) string {
	var b strings.Builder
	if summary := workingmemory.RenderSummary(p); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	if len(history) > 0 {
		b.WriteString("## Conversation\n")
		for _, m := range history {
			who := "User"
			if m.Role == conversation.RoleAssistant {
				who = "Assistant"
			}
			fmt.Fprintf(&b, "\n%s: %s\n", who, m.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

func sources(p *workingmemory.Progress) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, f := range p.Findings {
		if s := strings.TrimSpace(f.Source); s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none recorded)"
	}
	return "- " + strings.Join(items, "\n- ")
}

var nonSlug = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

func slug(topic string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(topic, "-"), "-")
	if s == "" {
		return "report"
	}
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "-")
	}
	return s
}

// truncateAtBoundary cuts text to at most max bytes of content, preferring to
// end at a section heading, then a paragraph, then a sentence.
func truncateAtBoundary(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndex(cut, "\n## "); i > max/2 {
		return cut[:i] + truncatedNote
	}
	if i := strings.LastIndex(cut, "\n\n"); i > max*3/10 {
		return cut[:i] + truncatedNote
	}
	if i := strings.LastIndex(cut, ". "); i > max/2 {
		return cut[:i+1] + truncatedNote
	}
	return strings.ToValidUTF8(cut, "") + truncatedNote
}
