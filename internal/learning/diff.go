package learning

import "time"

// OpType is the kind of change an operation requests.
type OpType string

// Operation types.
const (
	OpAdd    OpType = "add"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Op is one typed change inside a Diff.
//
// For single-record kinds (profile, session) an add or update merges
// Record.Fields, Plan and Progress into the scope's single active record;
// a field set to the empty string is removed (its old value kept in history).
type Op struct {
	Type OpType `json:"type"`

	// TargetID names the record to update or delete.
	TargetID string `json:"target_id,omitempty"`

	// DuplicateOf lets the extractor declare that the candidate repeats an
	// existing record. It is honored only if that record is active in scope.
	DuplicateOf string `json:"duplicate_of,omitempty"`

	Record Record `json:"record"`
}

// Diff is the typed output of one extraction or tool call.
type Diff struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool { return len(d.Ops) == 0 }

// CommitResult describes what one Apply call committed.
type CommitResult struct {
	Scope Scope `json:"scope"`

	Inserted   []string `json:"inserted,omitempty"`
	Updated    []string `json:"updated,omitempty"`
	Tombstoned []string `json:"tombstoned,omitempty"`

	// Merged maps each record tombstoned as a duplicate to its canonical.
	Merged map[string]string `json:"merged,omitempty"`

	// Records holds the final state of every record written.
	Records []Record `json:"records,omitempty"`
}

// Changed reports whether anything was written.
func (c CommitResult) Changed() bool {
	return len(c.Inserted)+len(c.Updated)+len(c.Tombstoned) > 0
}

// Identity names the owners a turn or a retrieval is about.
type Identity struct {
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	Entities  []string `json:"entities,omitempty"`
}

// NamespaceOrDefault returns the namespace, falling back to the global one.
func (i Identity) NamespaceOrDefault() string {
	if i.Namespace == "" {
		return DefaultNamespace
	}
	return i.Namespace
}

// Turn is one completed agent run.
type Turn struct {
	Identity
	ID                string    `json:"id"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response,omitempty"`
	At                time.Time `json:"at"`
}

// Text renders the turn as extractor input.
func (t Turn) Text() string {
	s := "User: " + t.UserMessage
	if t.AssistantResponse != "" {
		s += "\nAssistant: " + t.AssistantResponse
	}
	return s
}

// TurnsText joins several turns in trigger order.
func TurnsText(turns []Turn) string {
	out := ""
	for i, t := range turns {
		if i > 0 {
			out += "\n\n"
		}
		out += t.Text()
	}
	return out
}

// FieldSpec declares one structured field of a store schema.
type FieldSpec struct {
	Name        string `json:"name" mapstructure:"name"`
	Description string `json:"description" mapstructure:"description"`
}

// Schema tells the extractor what a store may produce.
type Schema struct {
	Store        StoreType   `json:"store"`
	Kinds        []Kind      `json:"kinds"`
	Fields       []FieldSpec `json:"fields,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
}

// HasField reports whether the schema declares the named field.
func (s Schema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Bundle is the composed, read-only view injected before a run.
type Bundle struct {
	Profile   *Record             `json:"profile,omitempty"`
	Memories  []Record            `json:"memories,omitempty"`
	Session   *Record             `json:"session,omitempty"`
	Entities  map[string][]Record `json:"entities,omitempty"`
	Knowledge []Record            `json:"knowledge,omitempty"`

	// Stale is set when at least one section came from the last-good
	// snapshot because storage was unavailable.
	Stale bool `json:"stale,omitempty"`
}

// Empty reports whether the bundle carries nothing.
func (b *Bundle) Empty() bool {
	return b.Profile == nil && len(b.Memories) == 0 && b.Session == nil &&
		len(b.Entities) == 0 && len(b.Knowledge) == 0
}
