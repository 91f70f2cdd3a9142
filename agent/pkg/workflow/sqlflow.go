package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/sqlcheck"
)

// Approval keywords accepted when resuming a suspended approval stage.
var approveWords = []string{"approve", "승인", "실행", "예", "네", "ok", "okay", "yes", "y", "확인", "좋아", "좋아요"}
var rejectWords = []string{"reject", "거부", "취소", "아니오", "no", "n"}

// approvalAction is the parsed meaning of a resume message.
type approvalAction int

const (
	actionUnknown approvalAction = iota
	actionApprove
	actionReject
	actionRejectWithFeedback
)

// ParseApproval interprets a message answering an approval request. A bare
// rejection carries no feedback; "reject: <text>" and "거부: <text>" do.
func ParseApproval(message string) (approvalAction, string) {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	for _, w := range rejectWords {
		if rest, ok := strings.CutPrefix(lower, w+":"); ok {
			fb := strings.TrimSpace(trimmed[len(trimmed)-len(rest):])
			if fb == "" {
				return actionReject, ""
			}
			return actionRejectWithFeedback, fb
		}
		if lower == w {
			return actionReject, ""
		}
	}
	for _, w := range approveWords {
		if lower == w {
			return actionApprove, ""
		}
	}
	return actionUnknown, ""
}

// SQLPipeline drives schema fetch, query generation, validation, approval,
// execution, and formatting for data questions. All mutation happens on the
// State passed in; persistence is the engine's job.
type SQLPipeline struct {
	llm       LLMClient
	schema    SchemaFetcher
	engine    QueryEngine
	validator *sqlcheck.Validator
	prompts   *Prompts
	log       *slog.Logger
	clock     clockwork.Clock

	maxValidateRetries int
	maxRewrites        int
	queryTimeout       time.Duration
}

// SQLPipelineConfig configures a SQLPipeline.
type SQLPipelineConfig struct {
	LLM       LLMClient
	Schema    SchemaFetcher
	Engine    QueryEngine
	Validator *sqlcheck.Validator
	Prompts   *Prompts
	Logger    *slog.Logger
	Clock     clockwork.Clock

	// MaxValidateRetries bounds automatic regeneration after validator
	// rejections, before any human involvement.
	MaxValidateRetries int
	// MaxRewrites bounds human rejection/feedback rounds.
	MaxRewrites int
	// QueryTimeout bounds query execution.
	QueryTimeout time.Duration
}

// NewSQLPipeline validates the config and creates the pipeline.
func NewSQLPipeline(cfg SQLPipelineConfig) (*SQLPipeline, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Schema == nil {
		return nil, fmt.Errorf("schema fetcher is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if cfg.Prompts == nil {
		return nil, fmt.Errorf("prompts are required")
	}
	if cfg.Validator == nil {
		cfg.Validator = sqlcheck.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxValidateRetries <= 0 {
		cfg.MaxValidateRetries = 2
	}
	if cfg.MaxRewrites <= 0 {
		cfg.MaxRewrites = 3
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	return &SQLPipeline{
		llm:                cfg.LLM,
		schema:             cfg.Schema,
		engine:             cfg.Engine,
		validator:          cfg.Validator,
		prompts:            cfg.Prompts,
		log:                cfg.Logger,
		clock:              cfg.Clock,
		maxValidateRetries: cfg.MaxValidateRetries,
		maxRewrites:        cfg.MaxRewrites,
		queryTimeout:       cfg.QueryTimeout,
	}, nil
}

// MaxRewrites returns the configured human-feedback cap.
func (p *SQLPipeline) MaxRewrites() int { return p.maxRewrites }

// EnsureSchema fetches the schema snapshot once per session.
func (p *SQLPipeline) EnsureSchema(ctx context.Context, st *State) error {
	if st.SchemaSnapshot != nil {
		return nil
	}
	schema, err := p.schema.FetchSchema(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}
	st.SchemaSnapshot = schema
	return nil
}

// checkSchema converts the snapshot into the validator's form.
func checkSchema(s *Schema) sqlcheck.Schema {
	out := sqlcheck.Schema{}
	for _, t := range s.Tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = strings.ToLower(c.Name)
		}
		out[strings.ToLower(t.Name)] = cols
	}
	return out
}

// GenerateCandidate runs the generate/validate loop until a candidate passes
// validation or the automatic retries are exhausted. On success the state is
// suspended in StageAwaitApproval with the candidate pending. On exhaustion
// it returns ErrSecurityViolation with the last rejection reason.
func (p *SQLPipeline) GenerateCandidate(ctx context.Context, st *State) error {
	if err := p.EnsureSchema(ctx, st); err != nil {
		return err
	}
	schema := checkSchema(st.SchemaSnapshot)

	var prior []string
	if st.PendingQuery != nil {
		prior = st.PendingQuery.PriorSQL
	}

	feedback := append([]string(nil), st.RejectionFeedback...)
	var lastReason string
	for attempt := 0; attempt <= p.maxValidateRetries; attempt++ {
		cand, err := p.generate(ctx, st, feedback)
		if err != nil {
			return err
		}

		res := p.validator.Validate(cand.SQL, schema)
		if !res.OK {
			lastReason = res.Reason
			p.log.Info("candidate rejected by validator", "reason", res.Reason, "attempt", attempt)
			feedback = append(feedback, res.Reason)
			continue
		}

		cand.Validation = ValidationAccepted
		cand.Approval = ApprovalPending
		cand.PriorSQL = prior

		// Exact repetition across feedback rounds: resubmit once with a
		// warning, abort on the third identical round.
		if n := len(prior); n >= 1 && prior[n-1] == cand.SQL {
			if n >= 2 && prior[n-2] == cand.SQL {
				return fmt.Errorf("%w: same query produced three times", ErrRewriteLimitExceeded)
			}
			cand.Rationale += " (주의: 이전 피드백 이후에도 동일한 쿼리가 생성되었습니다)"
		}

		st.PendingQuery = cand
		st.Stage = StageAwaitApproval
		st.ClarifyPrompt = ""
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSecurityViolation, lastReason)
}

func (p *SQLPipeline) generate(ctx context.Context, st *State, feedback []string) (*QueryCandidate, error) {
	system := WithDate(p.prompts.BuildSQLGeneratePrompt(st.SchemaSnapshot, feedback), p.clock.Now())
	resp, err := p.llm.Complete(ctx, system, st.PendingQuestion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}

	var parsed struct {
		SQL       string `json:"sql"`
		Rationale string `json:"rationale"`
	}
	cleaned := stripCodeFence(resp)
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil || strings.TrimSpace(parsed.SQL) == "" {
		// model ignored the JSON instruction: take the raw text as SQL
		parsed.SQL = cleaned
		parsed.Rationale = ""
	}
	return &QueryCandidate{
		SQL:        strings.TrimSpace(parsed.SQL),
		Rationale:  strings.TrimSpace(parsed.Rationale),
		Validation: ValidationPending,
		Approval:   ApprovalPending,
	}, nil
}

// Execute runs the approved pending query under the configured timeout and
// formats the rows into the final answer. The caller resets the state after
// a successful return.
func (p *SQLPipeline) Execute(ctx context.Context, st *State) (string, error) {
	if st.PendingQuery == nil {
		return "", fmt.Errorf("no pending query to execute")
	}

	execCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	result, err := p.engine.Execute(execCtx, st.PendingQuery.SQL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrQueryTimeout, p.queryTimeout)
		}
		return "", fmt.Errorf("%w: %v", ErrEngineError, err)
	}

	return p.format(ctx, st.PendingQuestion, result)
}

func (p *SQLPipeline) format(ctx context.Context, question string, result *QueryResult) (string, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	user := fmt.Sprintf("질문: %s\n\n쿼리 결과(JSON):\n%s", question, payload)
	answer, err := p.llm.Complete(ctx, p.prompts.FormatResults, user)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}
	return strings.TrimSpace(answer), nil
}

// RecordRejection appends human feedback and advances the rewrite counter.
// Returns ErrRewriteLimitExceeded when the cap is hit; the pending query's
// SQL is pushed onto PriorSQL so regeneration can detect repetition.
func (p *SQLPipeline) RecordRejection(st *State, feedback string) error {
	if st.PendingQuery == nil {
		return fmt.Errorf("no pending query to reject")
	}
	st.RewriteCount++
	if st.RewriteCount > p.maxRewrites {
		return fmt.Errorf("%w: %d revisions requested", ErrRewriteLimitExceeded, st.RewriteCount)
	}
	st.RejectionFeedback = append(st.RejectionFeedback, feedback)
	st.PendingQuery.Approval = ApprovalRejected
	st.PendingQuery.PriorSQL = append(st.PendingQuery.PriorSQL, st.PendingQuery.SQL)
	return nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop the language tag line
		if !strings.ContainsAny(s[:i], "{}") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
