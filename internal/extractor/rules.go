package extractor

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/HendryAvila/learnd/internal/learning"
)

// Rules is a deterministic extractor. It picks up explicit phrases in user
// messages and "## Key Learnings:" sections in assistant responses, and never
// calls a model. Near-duplicates it produces are folded by consolidation.
type Rules struct{}

// NewRules returns the rule-based extractor.
func NewRules() *Rules { return &Rules{} }

var (
	namePattern      = regexp.MustCompile(`(?i)\bmy name is\s+([\p{L}][\p{L}' -]{0,60}?)(?:[.,!?\n]|$| and )`)
	callMePattern    = regexp.MustCompile(`(?i)\bcall me\s+([\p{L}][\p{L}'-]{0,30})`)
	rememberPattern  = regexp.MustCompile(`(?i)\bremember that\s+([^\n]+?)(?:[.!?](?:\s|$)|\n|$)`)
	preferPattern    = regexp.MustCompile(`(?i)\bI (?:prefer|always use|never use)\s+([^\n]+?)(?:[.!?](?:\s|$)|\n|$)`)
	sentenceSplitter = regexp.MustCompile(`[.!?]\s+|\n+`)

	// learningHeaderPattern matches learning section headers in English and Spanish.
	learningHeaderPattern = regexp.MustCompile(
		`(?im)^#{2,3}\s+(?:Aprendizajes(?:\s+Clave)?|Key\s+Learnings?|Learnings?):?\s*$`,
	)
	nextHeaderPattern = regexp.MustCompile(`\n#{1,3} `)
	numberedPattern   = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)`)
	bulletPattern     = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)`)
	boldPattern       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	codePattern       = regexp.MustCompile("`([^`]+)`")
	italicPattern     = regexp.MustCompile(`\*([^*]+)\*`)
)

// minLearningLength is the minimum character length for a valid learning.
const minLearningLength = 20

// maxSummaryLength caps the rule-based session summary.
const maxSummaryLength = 500

// Extract implements learning.Extractor.
func (r *Rules) Extract(_ context.Context, req learning.ExtractRequest) (learning.Diff, error) {
	user, assistant := splitTurns(req.TurnText)
	var ops []learning.Op

	switch req.Store {
	case learning.StoreUserProfile:
		fields := map[string]string{}
		if m := lastMatch(namePattern, user); m != "" && req.Schema.HasField("name") {
			fields["name"] = m
		}
		if m := lastMatch(callMePattern, user); m != "" && req.Schema.HasField("preferred_name") {
			fields["preferred_name"] = m
		}
		fields = changedFields(fields, req.Existing)
		if len(fields) > 0 {
			ops = append(ops, learning.Op{Type: learning.OpUpdate, Record: learning.Record{Kind: learning.KindProfile, Fields: fields, Provenance: "rules"}})
		}

	case learning.StoreUserMemory:
		for _, p := range []*regexp.Regexp{rememberPattern, preferPattern} {
			for _, m := range p.FindAllStringSubmatch(user, -1) {
				content := strings.TrimSpace(m[0])
				if p == rememberPattern {
					content = capitalize(strings.TrimSpace(m[1]))
				}
				content = strings.TrimRight(content, ".!? ")
				if content == "" {
					continue
				}
				ops = append(ops, learning.Op{Type: learning.OpAdd, Record: learning.Record{Kind: learning.KindMemory, Content: content, Provenance: "rules"}})
			}
		}

	case learning.StoreSessionContext:
		summary := cleanMarkdown(user)
		if summary != "" {
			if len(summary) > maxSummaryLength {
				start := len(summary) - maxSummaryLength
				for start < len(summary) && !utf8.RuneStart(summary[start]) {
					start++
				}
				summary = summary[start:]
			}
			ops = append(ops, learning.Op{Type: learning.OpUpdate, Record: learning.Record{
				Kind:       learning.KindSession,
				Fields:     map[string]string{"summary": summary},
				Provenance: "rules",
			}})
		}

	case learning.StoreEntityMemory:
		entity := req.Scope.Owner
		if i := strings.LastIndex(entity, "/"); i >= 0 {
			entity = entity[i+1:]
		}
		if entity == "" {
			break
		}
		for _, s := range sentenceSplitter.Split(user, -1) {
			s = cleanMarkdown(s)
			if len(s) < minLearningLength || !strings.Contains(strings.ToLower(s), entity) {
				continue
			}
			ops = append(ops, learning.Op{Type: learning.OpAdd, Record: learning.Record{Kind: learning.KindFact, Content: s, Provenance: "rules"}})
		}

	case learning.StoreLearnedKnowledge:
		for _, l := range ExtractLearnings(assistant) {
			ops = append(ops, learning.Op{Type: learning.OpAdd, Record: learning.Record{
				Kind:       learning.KindKnowledge,
				Title:      titleOf(l),
				Content:    l,
				Provenance: "rules",
			}})
		}
	}
	return learning.Diff{Ops: ops}, nil
}

// splitTurns separates the user and assistant parts of rendered turns.
func splitTurns(text string) (user, assistant string) {
	var u, a []string
	cur := &u
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "User: "):
			cur = &u
			line = strings.TrimPrefix(line, "User: ")
		case strings.HasPrefix(line, "Assistant: "):
			cur = &a
			line = strings.TrimPrefix(line, "Assistant: ")
		}
		*cur = append(*cur, line)
	}
	return strings.Join(u, "\n"), strings.Join(a, "\n")
}

func lastMatch(p *regexp.Regexp, s string) string {
	all := p.FindAllStringSubmatch(s, -1)
	if len(all) == 0 {
		return ""
	}
	return strings.TrimSpace(all[len(all)-1][1])
}

func changedFields(fields map[string]string, existing []learning.Record) map[string]string {
	for _, r := range existing {
		if !r.Active() {
			continue
		}
		for k, v := range fields {
			if r.Fields[k] == v {
				delete(fields, k)
			}
		}
	}
	return fields
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func titleOf(s string) string {
	if i := strings.IndexAny(s, ".:;"); i > 0 && i < 80 {
		return s[:i]
	}
	if len(s) <= 80 {
		return s
	}
	cut := strings.LastIndex(s[:80], " ")
	if cut <= 0 {
		cut = 80
	}
	return s[:cut] + "..."
}

// ExtractLearnings parses structured learning items from text.
// Looks for "## Key Learnings:" or "## Aprendizajes Clave:" sections
// and extracts numbered or bullet items.
func ExtractLearnings(text string) []string {
	matches := learningHeaderPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	// Most recent section first.
	for i := len(matches) - 1; i >= 0; i-- {
		section := text[matches[i][1]:]
		if next := nextHeaderPattern.FindStringIndex(section); next != nil {
			section = section[:next[0]]
		}

		items := collectItems(numberedPattern, section)
		if len(items) == 0 {
			items = collectItems(bulletPattern, section)
		}
		if len(items) > 0 {
			return items
		}
	}
	return nil
}

func collectItems(p *regexp.Regexp, section string) []string {
	var out []string
	for _, m := range p.FindAllStringSubmatch(section, -1) {
		if cleaned := cleanMarkdown(m[1]); len(cleaned) >= minLearningLength {
			out = append(out, cleaned)
		}
	}
	return out
}

// cleanMarkdown strips basic markdown formatting.
func cleanMarkdown(text string) string {
	text = boldPattern.ReplaceAllString(text, "$1")
	text = codePattern.ReplaceAllString(text, "$1")
	text = italicPattern.ReplaceAllString(text, "$1")
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
