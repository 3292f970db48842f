package workingmemory

import (
	"fmt"
	"strings"
)

const (
	contextURLLimit     = 10
	summaryFindingLimit = 5
	summaryFollowUps    = 3
	summaryInsights     = 3
	findingPreviewRunes = 100
)

// ContextForAgent renders the session for inclusion in a model prompt.
func (m *Memory) ContextForAgent() string {
	p := m.progress
	var b strings.Builder

	b.WriteString("## YOUR WORKING MEMORY\n\n")
	fmt.Fprintf(&b, "You have been researching for %d seconds.\n", int(m.Duration().Seconds()))
	fmt.Fprintf(&b, "Current Phase: %s\n\n", p.Phase)

	if len(p.Findings) > 0 {
		b.WriteString("### What You've Learned:\n")
		for i, f := range p.Findings {
			fmt.Fprintf(&b, "%d. %s (from %s)\n", i+1, f.Finding, f.Source)
		}
		b.WriteString("\n")
	}

	if len(p.ProcessedURLs) > 0 {
		fmt.Fprintf(&b, "### URLs Already Processed (%d):\n", len(p.ProcessedURLs))
		shown := p.ProcessedURLs
		if len(shown) > contextURLLimit {
			shown = shown[:contextURLLimit]
		}
		b.WriteString(strings.Join(shown, ", "))
		if extra := len(p.ProcessedURLs) - len(shown); extra > 0 {
			fmt.Fprintf(&b, ", ... (+%d more)", extra)
		}
		b.WriteString("\n\n")
	}

	if len(p.CompletedQueries) > 0 {
		fmt.Fprintf(&b, "### Queries Completed (%d):\n", len(p.CompletedQueries))
		b.WriteString(strings.Join(p.CompletedQueries, ", "))
		b.WriteString("\n\n")
	}

	if remaining := p.RemainingFollowUpQuestions(); len(remaining) > 0 {
		fmt.Fprintf(&b, "### Follow-up Questions to Explore (%d):\n", len(remaining))
		for i, q := range remaining {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
		b.WriteString("\n")
	}

	if len(p.Insights) > 0 {
		b.WriteString("### Key Insights So Far:\n")
		for i, in := range p.Insights {
			fmt.Fprintf(&b, "%d. %s\n", i+1, in)
		}
		b.WriteString("\n")
	}

	b.WriteString("**Remember:** Use this context to avoid repeating work and to build on what you've already learned.\n")
	return b.String()
}

// Summary renders a short human-readable digest of the session.
func (m *Memory) Summary() string {
	p := m.progress
	var b strings.Builder

	b.WriteString("=== WORKING MEMORY SUMMARY ===\n")
	fmt.Fprintf(&b, "Session: %s\n", m.sessionID)
	fmt.Fprintf(&b, "Phase: %s\n", p.Phase)
	fmt.Fprintf(&b, "Duration: %ds\n\n", int(m.Duration().Seconds()))

	b.WriteString("Progress:\n")
	fmt.Fprintf(&b, "- Completed %d queries\n", len(p.CompletedQueries))
	fmt.Fprintf(&b, "- Processed %d URLs\n", len(p.ProcessedURLs))
	fmt.Fprintf(&b, "- Found %d key findings\n", len(p.Findings))
	fmt.Fprintf(&b, "- Generated %d follow-up questions\n", len(p.FollowUpQuestions))
	fmt.Fprintf(&b, "- Accumulated %d insights\n", len(p.Insights))

	if len(p.Findings) > 0 {
		b.WriteString("\nKey Findings:\n")
		shown := p.Findings
		if len(shown) > summaryFindingLimit {
			shown = shown[:summaryFindingLimit]
		}
		for i, f := range shown {
			fmt.Fprintf(&b, "%d. %s\n", i+1, preview(f.Finding))
		}
		if extra := len(p.Findings) - len(shown); extra > 0 {
			fmt.Fprintf(&b, "(+%d more)\n", extra)
		}
	}

	if remaining := p.RemainingFollowUpQuestions(); len(remaining) > 0 {
		fmt.Fprintf(&b, "\nFollow-up Questions (%d remaining):\n", len(remaining))
		writeHead(&b, remaining, summaryFollowUps)
	}

	if len(p.Insights) > 0 {
		b.WriteString("\nRecent Insights:\n")
		writeTail(&b, p.Insights, summaryInsights)
	}

	return b.String()
}

// RenderSummary is the digest used when working memory is read back from
// persistence and prefixed to a user message.
func RenderSummary(p *Progress) string {
	var b strings.Builder

	b.WriteString("## Working Memory Summary\n")
	fmt.Fprintf(&b, "Phase: %s\n\n", p.Phase)

	if len(p.Findings) > 0 {
		fmt.Fprintf(&b, "### Key Findings (%d):\n", len(p.Findings))
		start := 0
		if len(p.Findings) > summaryFindingLimit {
			start = len(p.Findings) - summaryFindingLimit
			fmt.Fprintf(&b, "(%d earlier)\n", start)
		}
		for i, f := range p.Findings[start:] {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, preview(f.Finding), f.Source)
		}
		b.WriteString("\n")
	}

	if len(p.Insights) > 0 {
		fmt.Fprintf(&b, "### Insights (%d):\n", len(p.Insights))
		writeTail(&b, p.Insights, summaryInsights)
		b.WriteString("\n")
	}

	if len(p.ProcessedURLs) > 0 {
		fmt.Fprintf(&b, "### Processed URLs: %d\n", len(p.ProcessedURLs))
	}
	if len(p.CompletedQueries) > 0 {
		fmt.Fprintf(&b, "### Completed Queries: %d\n", len(p.CompletedQueries))
	}

	if remaining := p.RemainingFollowUpQuestions(); len(remaining) > 0 {
		fmt.Fprintf(&b, "\n### Follow-up Questions (%d remaining):\n", len(remaining))
		writeHead(&b, remaining, summaryFollowUps)
	}

	return b.String()
}

func writeHead(b *strings.Builder, items []string, limit int) {
	shown := items
	if len(shown) > limit {
		shown = shown[:limit]
	}
	for i, it := range shown {
		fmt.Fprintf(b, "%d. %s\n", i+1, it)
	}
	if extra := len(items) - len(shown); extra > 0 {
		fmt.Fprintf(b, "(+%d more)\n", extra)
	}
}

func writeTail(b *strings.Builder, items []string, limit int) {
	start := 0
	if len(items) > limit {
		start = len(items) - limit
		fmt.Fprintf(b, "(%d earlier)\n", start)
	}
	for i, it := range items[start:] {
		fmt.Fprintf(b, "%d. %s\n", i+1, it)
	}
}

// preview truncates on a rune boundary.
func preview(s string) string {
	r := []rune(s)
	if len(r) <= findingPreviewRunes {
		return s
	}
	return string(r[:findingPreviewRunes]) + "..."
}
