package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/sqlcheck"
)

// User-facing messages for terminal and recoverable conditions.
const (
	msgRetry             = "일시적인 오류가 발생했습니다. 잠시 후 다시 시도해주세요."
	msgNoPendingApproval = "승인 대기 중인 쿼리가 없습니다. 새로운 질문을 해주세요."
	msgAskFeedback       = "어떤 부분을 수정할까요? 수정 방향을 알려주시면 쿼리를 다시 작성하겠습니다."
	msgAskApproval       = "쿼리를 실행할까요? '승인' 또는 '거부: <수정 요청>'으로 답해주세요."
	msgTooManyRevisions  = "수정 횟수 제한을 초과했습니다. 질문을 새로 작성해주세요."
	msgNoRelevantDocs    = "관련 정보를 찾을 수 없습니다. 질문을 바꾸어 다시 시도해주세요."
	msgPickRoute         = "질문의 의도를 판단하기 어렵습니다. '데이터 조회' 또는 '문서 검색' 중 어느 쪽인지 알려주세요."
	msgResetCorrupt      = "세션 상태가 손상되어 초기화했습니다. 이전 대화 내용이 유실되었을 수 있으니 질문을 다시 보내주세요."
	msgMessageTooLong    = "메시지가 너무 깁니다. 2000자 이내로 작성해주세요."
)

// Engine is the workflow orchestrator. It owns session state: each inbound
// message loads the session's checkpoint, advances or resumes the workflow,
// and persists on every clean stage transition. Turns for one session are
// strictly serialized; independent sessions run in parallel.
type Engine struct {
	agent   *QuestionAgent
	router  *Router
	sqlp    *SQLPipeline
	ragp    *RAGPipeline
	store   CheckpointStore
	prompts *Prompts
	llm     LLMClient
	clock   clockwork.Clock
	log     *slog.Logger

	maxMessageLen int

	// per-session locks; the checkpoint version check is the backstop for
	// writers in other processes.
	locks *sessionLocks
}

// sessionLocks serializes turns per session. A session holds an entry only
// while a turn is running, so memory stays proportional to concurrent turns
// rather than to the number of sessions ever seen.
type sessionLocks struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{busy: map[string]struct{}{}}
}

func (s *sessionLocks) tryAcquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.busy[sessionID]; held {
		return false
	}
	s.busy[sessionID] = struct{}{}
	return true
}

func (s *sessionLocks) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, sessionID)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	LLM       LLMClient
	Retriever Retriever
	Schema    SchemaFetcher
	Querier   QueryEngine
	Store     CheckpointStore
	Logger    *slog.Logger
	Clock     clockwork.Clock

	// RouteConfidenceThreshold below which routing degrades to UNCERTAIN.
	RouteConfidenceThreshold float64
	// MaxRewrites bounds human feedback rounds and RAG rewrites.
	MaxRewrites int
	// MaxValidateRetries bounds automatic regeneration after validator
	// rejections.
	MaxValidateRetries int
	// RetrievalTopK is the number of chunks retrieved per attempt.
	RetrievalTopK int
	// QueryTimeout bounds query execution.
	QueryTimeout time.Duration
	// MaxJoinedTables is the validator's complexity bound.
	MaxJoinedTables int
	// MaxMessageLen caps inbound message length in runes.
	MaxMessageLen int
}

// NewEngine validates the config, loads prompts, and wires the pipelines.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg.Schema == nil {
		return nil, fmt.Errorf("schema fetcher is required")
	}
	if cfg.Querier == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RouteConfidenceThreshold <= 0 {
		cfg.RouteConfidenceThreshold = 0.5
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 2000
	}

	prompts, err := LoadPrompts()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	validator := sqlcheck.New()
	if cfg.MaxJoinedTables > 0 {
		validator.MaxJoinedTables = cfg.MaxJoinedTables
	}

	sqlp, err := NewSQLPipeline(SQLPipelineConfig{
		LLM:                cfg.LLM,
		Schema:             cfg.Schema,
		Engine:             cfg.Querier,
		Validator:          validator,
		Prompts:            prompts,
		Logger:             cfg.Logger,
		Clock:              cfg.Clock,
		MaxValidateRetries: cfg.MaxValidateRetries,
		MaxRewrites:        cfg.MaxRewrites,
		QueryTimeout:       cfg.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SQL pipeline: %w", err)
	}

	ragp, err := NewRAGPipeline(RAGPipelineConfig{
		LLM:         cfg.LLM,
		Retriever:   cfg.Retriever,
		Prompts:     prompts,
		Logger:      cfg.Logger,
		TopK:        cfg.RetrievalTopK,
		MaxRewrites: cfg.MaxRewrites,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create RAG pipeline: %w", err)
	}

	return &Engine{
		agent:         NewQuestionAgent(cfg.LLM, prompts),
		router:        NewRouter(cfg.LLM, prompts, cfg.RouteConfidenceThreshold),
		sqlp:          sqlp,
		ragp:          ragp,
		store:         cfg.Store,
		prompts:       prompts,
		llm:           cfg.LLM,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		maxMessageLen: cfg.MaxMessageLen,
		locks:         newSessionLocks(),
	}, nil
}

// HandleMessage processes one inbound message for a session and returns the
// reply. A racing second call for the same session fails with
// ErrTurnInProgress; a lost checkpoint write in another process surfaces as
// ErrCheckpointConflict. Both mean the caller should resend.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, message string) (*Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if utf8.RuneCountInString(message) > e.maxMessageLen {
		return &Reply{Text: msgMessageTooLong}, nil
	}

	if !e.locks.tryAcquire(sessionID) {
		return nil, ErrTurnInProgress
	}
	defer e.locks.release(sessionID)

	st, version, err := e.store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
		st, version = NewState(), 0
	case errors.Is(err, ErrCheckpointCorrupt):
		return e.resetCorrupt(ctx, sessionID)
	case err != nil:
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	// Work on a copy so a failed stage never partially mutates what a
	// retry would reload.
	work := st.Clone()

	var reply *Reply
	if work.Suspended() {
		reply, err = e.resume(ctx, sessionID, work, version, message)
	} else {
		reply, err = e.newTurn(ctx, sessionID, work, version, message)
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (e *Engine) resetCorrupt(ctx context.Context, sessionID string) (*Reply, error) {
	if err := e.store.Delete(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to reset corrupt checkpoint: %w", err)
	}
	if _, err := e.store.Save(ctx, sessionID, NewState(), 0); err != nil {
		return nil, fmt.Errorf("failed to reinitialize checkpoint: %w", err)
	}
	e.log.Warn("reset corrupt session state", "session_id", sessionID)
	return &Reply{Text: msgResetCorrupt}, nil
}

// save persists the state; failed CAS surfaces as-is for the caller to map.
func (e *Engine) save(ctx context.Context, sessionID string, st *State, version int64) (int64, error) {
	newVersion, err := e.store.Save(ctx, sessionID, st, version)
	if err != nil {
		return 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return newVersion, nil
}

// newTurn handles a message for an idle session.
func (e *Engine) newTurn(ctx context.Context, sessionID string, work *State, version int64, message string) (*Reply, error) {
	// A stray approval answer with nothing pending is answered directly,
	// so a duplicated resume after completion never re-executes anything.
	if action, _ := ParseApproval(message); action != actionUnknown {
		return &Reply{Text: msgNoPendingApproval}, nil
	}

	outcome, err := e.agent.Analyze(ctx, message, nil)
	if err != nil {
		return e.replyForError(err)
	}

	switch outcome.Kind {
	case OutcomeClarify:
		work.Stage = StageAwaitClarification
		work.Routing = RouteNone
		work.PendingQuestion = message
		work.ClarifyPrompt = outcome.ClarifyQuestion
		if _, err := e.save(ctx, sessionID, work, version); err != nil {
			return nil, err
		}
		return &Reply{Text: outcome.ClarifyQuestion, NeedsUserResponse: true}, nil

	case OutcomeDecompose:
		return e.runDecomposed(ctx, sessionID, work, version, outcome.SubQuestions)

	default:
		return e.runRouted(ctx, sessionID, work, version, message)
	}
}

// runDecomposed answers each sub-question in order and concatenates the
// answers. If a sub-question suspends for approval, its request is returned
// and the remaining sub-questions are dropped; the user can re-ask them.
func (e *Engine) runDecomposed(ctx context.Context, sessionID string, work *State, version int64, subs []string) (*Reply, error) {
	var parts []string
	for i, sub := range subs {
		reply, err := e.runRouted(ctx, sessionID, work, version, sub)
		if err != nil {
			return nil, err
		}
		if reply.NeedsUserResponse {
			parts = append(parts, reply.Text)
			return &Reply{
				Text:              strings.Join(parts, "\n\n"),
				NeedsUserResponse: true,
				ApprovalRequested: reply.ApprovalRequested,
			}, nil
		}
		parts = append(parts, reply.Text)
		// reload the version in case the sub-turn persisted
		if i < len(subs)-1 {
			if _, v, err := e.store.Load(ctx, sessionID); err == nil {
				version = v
			}
		}
	}
	return &Reply{Text: strings.Join(parts, "\n\n")}, nil
}

// runRouted routes a clear question and drives the chosen pipeline.
func (e *Engine) runRouted(ctx context.Context, sessionID string, work *State, version int64, question string) (*Reply, error) {
	decision, confidence, err := e.router.Route(ctx, question)
	if err != nil {
		return e.replyForError(err)
	}
	e.log.Info("routed question", "session_id", sessionID, "decision", decision, "confidence", confidence)

	switch decision {
	case RouteDirect:
		text, err := e.llm.Complete(ctx, WithDate(e.prompts.Direct, e.clock.Now()), question)
		if err != nil {
			return e.replyForError(fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err))
		}
		return &Reply{Text: strings.TrimSpace(text)}, nil

	case RouteUncertain:
		work.Stage = StageAwaitClarification
		work.Routing = RouteUncertain
		work.PendingQuestion = question
		work.ClarifyPrompt = msgPickRoute
		if _, err := e.save(ctx, sessionID, work, version); err != nil {
			return nil, err
		}
		return &Reply{Text: msgPickRoute, NeedsUserResponse: true}, nil

	case RouteRAG:
		return e.runRAG(ctx, sessionID, work, version, question)

	default: // RouteSQL
		return e.runSQL(ctx, sessionID, work, version, question)
	}
}

func (e *Engine) runSQL(ctx context.Context, sessionID string, work *State, version int64, question string) (*Reply, error) {
	work.Routing = RouteSQL
	work.PendingQuestion = question

	if err := e.sqlp.GenerateCandidate(ctx, work); err != nil {
		return e.terminalOrRetry(ctx, sessionID, work, version, err)
	}
	if _, err := e.save(ctx, sessionID, work, version); err != nil {
		return nil, err
	}
	return approvalReply(work.PendingQuery), nil
}

func (e *Engine) runRAG(ctx context.Context, sessionID string, work *State, version int64, question string) (*Reply, error) {
	work.Routing = RouteRAG
	work.PendingQuestion = question

	answer, err := e.ragp.Run(ctx, work)
	if err != nil {
		return e.terminalOrRetry(ctx, sessionID, work, version, err)
	}
	work.Reset()
	if _, err := e.save(ctx, sessionID, work, version); err != nil {
		return nil, err
	}
	return &Reply{Text: answer}, nil
}

// resume continues a suspended session with the user's answer.
func (e *Engine) resume(ctx context.Context, sessionID string, work *State, version int64, message string) (*Reply, error) {
	switch work.Stage {
	case StageAwaitClarification:
		return e.resumeClarification(ctx, sessionID, work, version, message)
	case StageAwaitApproval:
		return e.resumeApproval(ctx, sessionID, work, version, message)
	case StageAwaitRewriteFeedback:
		return e.resumeRewriteFeedback(ctx, sessionID, work, version, message)
	default:
		return nil, fmt.Errorf("cannot resume from stage %q", work.Stage)
	}
}

func (e *Engine) resumeClarification(ctx context.Context, sessionID string, work *State, version int64, message string) (*Reply, error) {
	original := work.PendingQuestion

	// An UNCERTAIN route asked the user to pick a pipeline explicitly.
	if work.Routing == RouteUncertain {
		choice, ok := ParseRouteChoice(message)
		if !ok {
			return &Reply{Text: msgPickRoute, NeedsUserResponse: true}, nil
		}
		work.Reset()
		if choice == RouteSQL {
			return e.runSQL(ctx, sessionID, work, version, original)
		}
		return e.runRAG(ctx, sessionID, work, version, original)
	}

	// Ambiguity clarification: fold the answer into the question and route
	// it fresh.
	clarified := FoldClarification(original, message)
	work.Reset()
	return e.runRouted(ctx, sessionID, work, version, clarified)
}

func (e *Engine) resumeApproval(ctx context.Context, sessionID string, work *State, version int64, message string) (*Reply, error) {
	action, feedback := ParseApproval(message)
	switch action {
	case actionApprove:
		return e.executeApproved(ctx, sessionID, work, version)

	case actionReject:
		// Policy: a rejection without feedback always re-prompts for it,
		// even on repeat rejections.
		work.Stage = StageAwaitRewriteFeedback
		if _, err := e.save(ctx, sessionID, work, version); err != nil {
			return nil, err
		}
		return &Reply{Text: msgAskFeedback, NeedsUserResponse: true}, nil

	case actionRejectWithFeedback:
		return e.regenerate(ctx, sessionID, work, version, feedback)

	default:
		return &Reply{Text: msgAskApproval, NeedsUserResponse: true, ApprovalRequested: true}, nil
	}
}

func (e *Engine) resumeRewriteFeedback(ctx context.Context, sessionID string, work *State, version int64, message string) (*Reply, error) {
	action, feedback := ParseApproval(message)
	switch action {
	case actionApprove:
		// the user changed their mind; run the still-pending query
		return e.executeApproved(ctx, sessionID, work, version)
	case actionReject:
		return &Reply{Text: msgAskFeedback, NeedsUserResponse: true}, nil
	case actionRejectWithFeedback:
		return e.regenerate(ctx, sessionID, work, version, feedback)
	default:
		// any other text is the awaited feedback
		return e.regenerate(ctx, sessionID, work, version, message)
	}
}

func (e *Engine) regenerate(ctx context.Context, sessionID string, work *State, version int64, feedback string) (*Reply, error) {
	if err := e.sqlp.RecordRejection(work, feedback); err != nil {
		return e.terminalOrRetry(ctx, sessionID, work, version, err)
	}
	if err := e.sqlp.GenerateCandidate(ctx, work); err != nil {
		return e.terminalOrRetry(ctx, sessionID, work, version, err)
	}
	if _, err := e.save(ctx, sessionID, work, version); err != nil {
		return nil, err
	}
	return approvalReply(work.PendingQuery), nil
}

// executeApproved runs the pending query and completes the turn. The idle
// state is persisted before the reply returns, so a duplicated approval
// finds nothing pending and cannot re-execute.
func (e *Engine) executeApproved(ctx context.Context, sessionID string, work *State, version int64) (*Reply, error) {
	work.PendingQuery.Approval = ApprovalApproved

	answer, err := e.sqlp.Execute(ctx, work)
	if err != nil {
		return e.terminalOrRetry(ctx, sessionID, work, version, err)
	}

	work.Reset()
	if _, err := e.save(ctx, sessionID, work, version); err != nil {
		return nil, err
	}
	return &Reply{Text: answer}, nil
}

// terminalOrRetry maps a pipeline error either to a terminal reply (state
// reset and persisted) or to a retry reply (state untouched).
func (e *Engine) terminalOrRetry(ctx context.Context, sessionID string, work *State, version int64, err error) (*Reply, error) {
	if errors.Is(err, ErrCollaboratorUnavailable) {
		e.log.Warn("collaborator unavailable", "session_id", sessionID, "error", err)
		return &Reply{Text: msgRetry}, nil
	}

	var text string
	switch {
	case errors.Is(err, ErrRewriteLimitExceeded):
		text = msgTooManyRevisions
	case errors.Is(err, ErrSecurityViolation):
		text = fmt.Sprintf("안전한 조회 쿼리를 생성하지 못했습니다 (%s). 질문을 바꾸어 다시 시도해주세요.", reasonOf(err))
	case errors.Is(err, ErrRetrievalEmpty):
		text = msgNoRelevantDocs
	case errors.Is(err, ErrQueryTimeout):
		text = "쿼리 실행 시간이 초과되었습니다. 조회 범위를 줄여 다시 시도해주세요."
	case errors.Is(err, ErrEngineError):
		text = "쿼리 실행 중 오류가 발생했습니다. 질문을 바꾸어 다시 시도해주세요."
	default:
		return nil, err
	}

	e.log.Info("turn ended with terminal error", "session_id", sessionID, "error", err)
	work.Reset()
	if _, saveErr := e.save(ctx, sessionID, work, version); saveErr != nil {
		return nil, saveErr
	}
	return &Reply{Text: text}, nil
}

// reasonOf extracts the detail after the sentinel prefix, if any.
func reasonOf(err error) string {
	msg := err.Error()
	if _, detail, ok := strings.Cut(msg, ": "); ok {
		return detail
	}
	return msg
}

func approvalReply(q *QueryCandidate) *Reply {
	var b strings.Builder
	b.WriteString("다음 쿼리를 실행할까요?\n\n```sql\n")
	b.WriteString(q.SQL)
	b.WriteString("\n```")
	if q.Rationale != "" {
		b.WriteString("\n\n")
		b.WriteString(q.Rationale)
	}
	b.WriteString("\n\n'승인'이라고 답하면 실행하고, '거부: <수정 요청>'으로 답하면 쿼리를 다시 작성합니다.")
	return &Reply{Text: b.String(), NeedsUserResponse: true, ApprovalRequested: true}
}

// replyForError maps a pre-pipeline error (question agent or router) to a
// retry reply without mutating state.
func (e *Engine) replyForError(err error) (*Reply, error) {
	if errors.Is(err, ErrCollaboratorUnavailable) {
		e.log.Warn("collaborator unavailable", "error", err)
		return &Reply{Text: msgRetry}, nil
	}
	return nil, err
}
