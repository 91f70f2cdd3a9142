// Package workflow implements the conversational engine that answers
// natural-language questions about the logistics domain. Each incoming
// message is classified and routed to either the SQL pipeline (schema-aware
// query generation with human approval) or the RAG pipeline (document
// retrieval with relevance grading), with suspended turns persisted through
// a checkpoint store so approval and clarification can span process restarts.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LLMClient is the interface for completion calls. All context needed for a
// completion is passed explicitly; implementations hold no per-call state.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Chunk is a single retrieved document fragment.
type Chunk struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Retriever returns the top-k document chunks for a query, ordered by
// descending relevance score.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Chunk, error)
}

// Column describes a single column of a table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table describes a table and its columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is the set of tables visible to generated queries. It is cached per
// session and doubles as the reference set for security validation.
type Schema struct {
	Tables []Table `json:"tables"`
}

// Table returns the named table, matched case-insensitively.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Render formats the schema for inclusion in a prompt.
func (s *Schema) Render() string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "TABLE %s (\n", t.Name)
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  %s %s\n", c.Name, c.Type)
		}
		b.WriteString(")\n")
	}
	return strings.TrimSpace(b.String())
}

// SchemaFetcher produces the schema snapshot for the query target.
type SchemaFetcher interface {
	FetchSchema(ctx context.Context) (*Schema, error)
}

// QueryResult holds the outcome of executing a validated query.
type QueryResult struct {
	SQL     string           `json:"sql"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Count   int              `json:"count"`
}

// QueryEngine executes an approved read-only query. Implementations enforce
// their own statement timeout as defense in depth; the pipeline additionally
// bounds the call with a context deadline.
type QueryEngine interface {
	Execute(ctx context.Context, sql string) (*QueryResult, error)
}

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Reply is what the engine returns for one inbound message.
type Reply struct {
	Text string `json:"text"`
	// NeedsUserResponse is set when the turn suspended waiting for the user
	// (clarification, approval, or rewrite feedback).
	NeedsUserResponse bool `json:"needsUserResponse"`
	// ApprovalRequested is set when the suspension is specifically a query
	// approval request, so callers can render approve/reject controls.
	ApprovalRequested bool `json:"approvalRequested"`
}

// GradedChunk is a retrieved chunk with its relevance verdict. Produced by
// the RAG grade step and discarded at the end of the turn.
type GradedChunk struct {
	Chunk
	Relevant bool
}

// CheckpointStore persists suspended state per session with optimistic
// versioning. Save with expectedVersion 0 creates the record; a mismatched
// version returns ErrCheckpointConflict without mutating stored state.
// Implementations live in the checkpoint package.
type CheckpointStore interface {
	Save(ctx context.Context, sessionID string, st *State, expectedVersion int64) (int64, error)
	Load(ctx context.Context, sessionID string) (*State, int64, error)
	Delete(ctx context.Context, sessionID string) error
}

