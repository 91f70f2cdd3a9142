package workflow

import "fmt"

// Stage identifies where a session's workflow is suspended. A session with
// StageIdle has no turn in flight; every other stage means the engine is
// waiting on the user and the next inbound message resumes that stage.
type Stage string

const (
	StageIdle                 Stage = "IDLE"
	StageAwaitClarification   Stage = "AWAIT_CLARIFICATION"
	StageAwaitApproval        Stage = "AWAIT_APPROVAL"
	StageAwaitRewriteFeedback Stage = "AWAIT_REWRITE_FEEDBACK"
)

// Routing is the classification of a question.
type Routing string

const (
	RouteNone      Routing = ""
	RouteSQL       Routing = "SQL"
	RouteRAG       Routing = "RAG"
	RouteDirect    Routing = "DIRECT"
	RouteUncertain Routing = "UNCERTAIN"
)

// ValidationVerdict is the security validator's decision on a candidate.
type ValidationVerdict string

const (
	ValidationPending  ValidationVerdict = "PENDING"
	ValidationAccepted ValidationVerdict = "ACCEPTED"
	ValidationRejected ValidationVerdict = "REJECTED"
)

// ApprovalVerdict is the human decision on a validated candidate.
type ApprovalVerdict string

const (
	ApprovalPending  ApprovalVerdict = "PENDING"
	ApprovalApproved ApprovalVerdict = "APPROVED"
	ApprovalRejected ApprovalVerdict = "REJECTED"
)

// QueryCandidate is a generated query moving through validate and approve.
// PriorSQL records the SQL text of earlier feedback rounds so exact
// repetition can be detected.
type QueryCandidate struct {
	SQL              string            `json:"sql"`
	Rationale        string            `json:"rationale"`
	Validation       ValidationVerdict `json:"validation"`
	ValidationReason string            `json:"validation_reason,omitempty"`
	Approval         ApprovalVerdict   `json:"approval"`
	PriorSQL         []string          `json:"prior_sql,omitempty"`
}

// State is the per-session workflow state. It is the unit the checkpoint
// store persists; everything here must survive a JSON round-trip unchanged.
type State struct {
	Stage   Stage   `json:"stage"`
	Routing Routing `json:"routing"`

	// PendingQuestion is the original user question driving the current
	// turn, with any clarification already folded in.
	PendingQuestion string `json:"pending_question,omitempty"`

	// ClarifyPrompt is the question shown to the user while suspended in
	// StageAwaitClarification.
	ClarifyPrompt string `json:"clarify_prompt,omitempty"`

	PendingQuery      *QueryCandidate `json:"pending_query,omitempty"`
	RejectionFeedback []string        `json:"rejection_feedback,omitempty"`
	RewriteCount      int             `json:"rewrite_count"`

	SchemaSnapshot *Schema `json:"schema_snapshot,omitempty"`
}

// NewState returns an idle state for a fresh session.
func NewState() *State {
	return &State{Stage: StageIdle, Routing: RouteNone}
}

// Suspended reports whether the session is waiting on the user.
func (s *State) Suspended() bool {
	return s.Stage != StageIdle
}

// Validate checks the structural invariants. A suspended state carries
// exactly one of a pending query or a clarification prompt.
func (s *State) Validate(maxRewrites int) error {
	switch s.Stage {
	case StageIdle, StageAwaitClarification, StageAwaitApproval, StageAwaitRewriteFeedback:
	default:
		return fmt.Errorf("unknown stage %q", s.Stage)
	}
	if s.Stage != StageIdle {
		hasQuery := s.PendingQuery != nil
		hasPrompt := s.ClarifyPrompt != ""
		if hasQuery == hasPrompt {
			return fmt.Errorf("stage %s requires exactly one of pending query or clarify prompt", s.Stage)
		}
	}
	if s.RewriteCount > maxRewrites {
		return fmt.Errorf("rewrite count %d exceeds maximum %d", s.RewriteCount, maxRewrites)
	}
	return nil
}

// Reset returns the session to idle after a completed or aborted turn. The
// cached schema snapshot is retained for the next turn in this session.
func (s *State) Reset() {
	s.Stage = StageIdle
	s.Routing = RouteNone
	s.PendingQuestion = ""
	s.ClarifyPrompt = ""
	s.PendingQuery = nil
	s.RejectionFeedback = nil
	s.RewriteCount = 0
}

// Clone returns a deep copy. The in-memory checkpoint store uses this to keep
// stored state isolated from caller mutation.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.PendingQuery != nil {
		q := *s.PendingQuery
		q.PriorSQL = append([]string(nil), s.PendingQuery.PriorSQL...)
		out.PendingQuery = &q
	}
	out.RejectionFeedback = append([]string(nil), s.RejectionFeedback...)
	if s.SchemaSnapshot != nil {
		sc := Schema{Tables: make([]Table, len(s.SchemaSnapshot.Tables))}
		for i, t := range s.SchemaSnapshot.Tables {
			sc.Tables[i] = Table{Name: t.Name, Columns: append([]Column(nil), t.Columns...)}
		}
		out.SchemaSnapshot = &sc
	}
	return &out
}
