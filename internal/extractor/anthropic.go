// Package extractor turns conversation text into typed diffs for the
// learning stores. Anthropic asks a Claude model for a JSON diff; Rules is a
// deterministic offline extractor for phrase-level signals.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/HendryAvila/learnd/internal/learning"
)

// DefaultModel is used when no model is configured.
const DefaultModel = anthropic.ModelClaudeHaiku4_5

// MessageClient is the subset of the Anthropic Messages API the extractor
// needs. *anthropic.MessageService satisfies it.
type MessageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic extracts diffs with a Claude model.
type Anthropic struct {
	client    MessageClient
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
}

// AnthropicOption configures Anthropic.
type AnthropicOption func(*Anthropic)

// WithModel sets the model name.
func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) {
		if model != "" {
			a.model = anthropic.Model(model)
		}
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int64) AnthropicOption {
	return func(a *Anthropic) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AnthropicOption {
	return func(a *Anthropic) { a.logger = l }
}

// NewAnthropic creates an extractor on top of client.
func NewAnthropic(client MessageClient, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		client:    client,
		model:     DefaultModel,
		maxTokens: 2048,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewAnthropicFromKey builds the SDK client from an API key. An empty key
// falls back to ANTHROPIC_API_KEY.
func NewAnthropicFromKey(apiKey string, opts ...AnthropicOption) *Anthropic {
	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(reqOpts...)
	return NewAnthropic(&client.Messages, opts...)
}

const systemPrompt = `You maintain long-term memory for an AI agent.
Given the store schema, the records already stored and a conversation excerpt,
return the changes to make as a single JSON object and nothing else:

{"ops": [{"type": "add|update|delete", "target_id": "", "duplicate_of": "", "record": {
  "kind": "", "content": "", "title": "", "context": "", "topics": [],
  "fields": {}, "plan": [{"step": "", "status": "pending|done|skipped"}], "progress": [],
  "triple": {"subject": "", "predicate": "", "object": ""},
  "occurred_at": "RFC3339 or YYYY-MM-DD", "confidence": 0.0}}]}

Rules:
- Only use kinds and fields listed in the schema.
- update and delete must set target_id to an existing record id.
- If a new item repeats an existing record, set duplicate_of to that record id.
- For structured fields, only include fields whose value changed; an empty string removes a field.
- Return {"ops": []} when nothing is worth remembering.`

// Extract implements learning.Extractor.
func (a *Anthropic) Extract(ctx context.Context, req learning.ExtractRequest) (learning.Diff, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
	}

	start := time.Now()
	resp, err := a.client.New(ctx, params)
	if err != nil {
		return learning.Diff{}, fmt.Errorf("extractor: claude api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	diff, err := ParseDiff(text.String())
	if err != nil {
		a.logger.Debug("extractor output rejected",
			"store", req.Store, "scope", req.Scope.Key(), "error", err)
		return learning.Diff{}, err
	}
	a.logger.Debug("extracted diff",
		"store", req.Store,
		"scope", req.Scope.Key(),
		"ops", len(diff.Ops),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"elapsed", time.Since(start),
	)
	return diff, nil
}

func buildPrompt(req learning.ExtractRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Store\n%s (scope %s)\n\n", req.Store, req.Scope.Owner)

	sb.WriteString("## Schema\nKinds: ")
	kinds := make([]string, len(req.Schema.Kinds))
	for i, k := range req.Schema.Kinds {
		kinds[i] = string(k)
	}
	sb.WriteString(strings.Join(kinds, ", "))
	sb.WriteString("\n")
	for _, f := range req.Schema.Fields {
		fmt.Fprintf(&sb, "- field %s: %s\n", f.Name, f.Description)
	}
	if req.Schema.Instructions != "" {
		fmt.Fprintf(&sb, "\n%s\n", strings.TrimSpace(req.Schema.Instructions))
	}

	sb.WriteString("\n## Existing records\n")
	if len(req.Existing) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, r := range req.Existing {
		fmt.Fprintf(&sb, "- id=%s kind=%s", r.ID, r.Kind)
		if len(r.Fields) > 0 {
			b, _ := json.Marshal(r.Fields)
			fmt.Fprintf(&sb, " fields=%s", b)
		}
		if text := r.Text(); text != "" {
			fmt.Fprintf(&sb, " text=%q", text)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "\n## Conversation\n%s\n", req.TurnText)
	return sb.String()
}

// ─── Parsing ────────────────────────────────────────────────────────────────

type wireDiff struct {
	Ops []wireOp `json:"ops"`
}

type wireOp struct {
	Type        string     `json:"type"`
	TargetID    string     `json:"target_id"`
	DuplicateOf string     `json:"duplicate_of"`
	Record      wireRecord `json:"record"`
}

type wireRecord struct {
	Kind       string              `json:"kind"`
	Content    string              `json:"content"`
	Title      string              `json:"title"`
	Context    string              `json:"context"`
	Topics     []string            `json:"topics"`
	Fields     map[string]string   `json:"fields"`
	Plan       []learning.PlanStep `json:"plan"`
	Progress   []string            `json:"progress"`
	Triple     *learning.Triple    `json:"triple"`
	OccurredAt string              `json:"occurred_at"`
	Confidence float64             `json:"confidence"`
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

// ParseDiff decodes model output into a diff. Code fences and prose around
// the JSON object are tolerated; anything else yields ErrMalformedOutput.
func ParseDiff(text string) (learning.Diff, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return learning.Diff{}, fmt.Errorf("extractor: no JSON object in output: %w", learning.ErrMalformedOutput)
	}

	var w wireDiff
	if err := json.Unmarshal([]byte(text[start:end+1]), &w); err != nil {
		return learning.Diff{}, fmt.Errorf("extractor: decode output: %v: %w", err, learning.ErrMalformedOutput)
	}

	diff := learning.Diff{Ops: make([]learning.Op, 0, len(w.Ops))}
	for i, op := range w.Ops {
		typ := learning.OpType(strings.ToLower(strings.TrimSpace(op.Type)))
		switch typ {
		case learning.OpAdd, learning.OpUpdate, learning.OpDelete:
		default:
			return learning.Diff{}, fmt.Errorf("extractor: op %d: unknown type %q: %w", i, op.Type, learning.ErrMalformedOutput)
		}

		rec := learning.Record{
			Kind:       learning.Kind(strings.ToLower(strings.TrimSpace(op.Record.Kind))),
			Content:    strings.TrimSpace(op.Record.Content),
			Title:      strings.TrimSpace(op.Record.Title),
			Context:    strings.TrimSpace(op.Record.Context),
			Topics:     op.Record.Topics,
			Fields:     op.Record.Fields,
			Plan:       op.Record.Plan,
			Progress:   op.Record.Progress,
			Triple:     op.Record.Triple,
			Confidence: op.Record.Confidence,
			Provenance: "extractor",
		}
		if op.Record.OccurredAt != "" {
			t, err := parseTime(op.Record.OccurredAt)
			if err != nil {
				return learning.Diff{}, fmt.Errorf("extractor: op %d: occurred_at %q: %w", i, op.Record.OccurredAt, learning.ErrMalformedOutput)
			}
			rec.OccurredAt = t
		}
		if rec.Triple != nil && rec.Triple.Subject == "" && rec.Triple.Predicate == "" && rec.Triple.Object == "" {
			rec.Triple = nil
		}
		diff.Ops = append(diff.Ops, learning.Op{
			Type:        typ,
			TargetID:    strings.TrimSpace(op.TargetID),
			DuplicateOf: strings.TrimSpace(op.DuplicateOf),
			Record:      rec,
		})
	}
	return diff, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
