package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/HendryAvila/learnd/internal/learning"
)

// FormatBundle renders a retrieval bundle as markdown for injection into a
// prompt. An empty bundle renders as the empty string.
func FormatBundle(b *learning.Bundle, detail string) string {
	if b == nil || b.Empty() {
		return ""
	}
	detail = ParseDetailLevel(detail)

	var sb strings.Builder
	sb.WriteString("## What I Know\n\n")
	if b.Stale {
		sb.WriteString("> ⚠️ Storage unavailable, showing last known state.\n\n")
	}

	if b.Profile != nil && len(b.Profile.Fields) > 0 {
		sb.WriteString("### User Profile\n")
		for _, k := range sortedKeys(b.Profile.Fields) {
			fmt.Fprintf(&sb, "- **%s**: %s\n", k, b.Profile.Fields[k])
		}
		if detail == DetailFull {
			for _, h := range b.Profile.History {
				fmt.Fprintf(&sb, "  - _%s was %q until %s_\n", h.Field, h.Old, h.ChangedAt.Format("2006-01-02"))
			}
		}
		sb.WriteString("\n")
	}

	if len(b.Memories) > 0 {
		sb.WriteString("### Memories\n")
		for _, m := range b.Memories {
			writeLine(&sb, m, m.Content, detail)
		}
		sb.WriteString("\n")
	}

	if b.Session != nil {
		sb.WriteString("### Current Session\n")
		if s := b.Session.Fields["summary"]; s != "" {
			fmt.Fprintf(&sb, "%s\n", s)
		}
		if g := b.Session.Fields["goal"]; g != "" {
			fmt.Fprintf(&sb, "- **Goal**: %s\n", g)
		}
		for i, step := range b.Session.Plan {
			mark := " "
			switch step.Status {
			case learning.PlanDone:
				mark = "x"
			case learning.PlanSkipped:
				mark = "-"
			}
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, mark, step.Step)
		}
		if detail != DetailSummary {
			for _, p := range b.Session.Progress {
				fmt.Fprintf(&sb, "- ✔ %s\n", p)
			}
		}
		sb.WriteString("\n")
	}

	if len(b.Entities) > 0 {
		names := make([]string, 0, len(b.Entities))
		for name := range b.Entities {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "### Entity: %s\n", name)
			for _, r := range b.Entities[name] {
				switch r.Kind {
				case learning.KindRelationship:
					if r.Triple != nil {
						writeLine(&sb, r, "↔ "+r.Triple.String(), detail)
					}
				case learning.KindEvent:
					when := ""
					if !r.OccurredAt.IsZero() {
						when = r.OccurredAt.Format("2006-01-02") + ": "
					}
					writeLine(&sb, r, "📅 "+when+r.Content, detail)
				default:
					writeLine(&sb, r, r.Content, detail)
				}
			}
			sb.WriteString("\n")
		}
	}

	if len(b.Knowledge) > 0 {
		sb.WriteString("### Relevant Learnings\n")
		for _, k := range b.Knowledge {
			text := k.Title
			if detail != DetailSummary && k.Content != "" {
				text = fmt.Sprintf("**%s**: %s", k.Title, k.Content)
			}
			writeLine(&sb, k, text, detail)
		}
		sb.WriteString("\n")
	}

	out := sb.String()
	if detail == DetailSummary {
		out += SummaryFooter
	}
	return out
}

func writeLine(sb *strings.Builder, r learning.Record, text, detail string) {
	switch detail {
	case DetailSummary:
		fmt.Fprintf(sb, "- [%s] %s\n", r.ID, Truncate(text, 80))
	case DetailFull:
		fmt.Fprintf(sb, "- [%s] %s", r.ID, text)
		if r.DuplicateCount > 0 {
			fmt.Fprintf(sb, " (seen %dx)", r.DuplicateCount+1)
		}
		if r.Provenance != "" {
			fmt.Fprintf(sb, " _from: %s_", Truncate(r.Provenance, 120))
		}
		sb.WriteString("\n")
	default:
		fmt.Fprintf(sb, "- %s\n", Truncate(text, 300))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
