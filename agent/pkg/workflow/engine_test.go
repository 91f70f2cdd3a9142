package workflow_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/checkpoint"
	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
)

type engineFixture struct {
	engine    *workflow.Engine
	llm       *fakeLLM
	querier   *fakeQueryEngine
	retriever *fakeRetriever
	store     *checkpoint.MemoryStore
}

func newEngineFixture(t *testing.T, llm *fakeLLM) *engineFixture {
	t.Helper()
	querier := &fakeQueryEngine{}
	retriever := &fakeRetriever{chunks: [][]workflow.Chunk{processChunks()}}
	store := checkpoint.NewMemoryStore()

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		LLM:       llm,
		Retriever: retriever,
		Schema:    &fakeSchemaFetcher{schema: logisticsSchema()},
		Querier:   querier,
		Store:     store,
	})
	require.NoError(t, err)
	return &engineFixture{engine: engine, llm: llm, querier: querier, retriever: retriever, store: store}
}

// A data question suspends for approval, a rejection with feedback produces
// a revised candidate, and approval executes it.
func TestEngine_ApprovalRejectionLoop(t *testing.T) {
	llm := &fakeLLM{
		routing: []string{"SQL|0.95"},
		generate: []string{
			`{"sql": "SELECT o.order_id FROM orders o JOIN deliveries d ON o.order_id = d.order_id WHERE d.status != 'delivered'", "rationale": "미완료 배송 주문"}`,
			`{"sql": "SELECT o.order_id, dr.driver_name FROM orders o JOIN deliveries d ON o.order_id = d.order_id JOIN drivers dr ON d.driver_id = dr.driver_id WHERE d.status != 'delivered'", "rationale": "기사 이름 포함"}`,
		},
	}
	fx := newEngineFixture(t, llm)
	ctx := context.Background()

	reply, err := fx.engine.HandleMessage(ctx, "s1", "배송이 완료되지 않은 주문 목록을 보여줘")
	require.NoError(t, err)
	assert.True(t, reply.NeedsUserResponse)
	assert.True(t, reply.ApprovalRequested)
	assert.Contains(t, reply.Text, "status != 'delivered'")

	// the suspended state is persisted
	st, _, err := fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAwaitApproval, st.Stage)

	reply, err = fx.engine.HandleMessage(ctx, "s1", "reject: 기사 이름도 포함해줘")
	require.NoError(t, err)
	assert.True(t, reply.ApprovalRequested)
	assert.Contains(t, reply.Text, "driver_name")

	st, _, err = fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RewriteCount)
	assert.Equal(t, []string{"기사 이름도 포함해줘"}, st.RejectionFeedback)

	reply, err = fx.engine.HandleMessage(ctx, "s1", "approve")
	require.NoError(t, err)
	assert.False(t, reply.NeedsUserResponse)
	assert.Equal(t, 1, fx.querier.calls)
	assert.Contains(t, fx.querier.got[0], "driver_name")

	st, _, err = fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageIdle, st.Stage)
}

// A second approval after completion finds nothing pending and must not
// re-execute the query.
func TestEngine_DuplicateApprovalIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{routing: []string{"SQL|0.9"}})
	ctx := context.Background()

	_, err := fx.engine.HandleMessage(ctx, "s1", "주문 목록을 보여줘")
	require.NoError(t, err)
	_, err = fx.engine.HandleMessage(ctx, "s1", "승인")
	require.NoError(t, err)
	require.Equal(t, 1, fx.querier.calls)

	reply, err := fx.engine.HandleMessage(ctx, "s1", "승인")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.querier.calls)
	assert.Contains(t, reply.Text, "승인 대기 중인 쿼리가 없습니다")
}

// An ambiguous question gets a clarifying question; the answer is folded
// into the original question and routed.
func TestEngine_ClarificationFlow(t *testing.T) {
	llm := &fakeLLM{
		ambiguity: []string{"NEEDS_CLARIFICATION|성과 기준이 무엇인가요?"},
		routing:   []string{"SQL|0.9"},
	}
	fx := newEngineFixture(t, llm)
	ctx := context.Background()

	reply, err := fx.engine.HandleMessage(ctx, "s1", "성과가 좋은 기사 조회해줘")
	require.NoError(t, err)
	assert.True(t, reply.NeedsUserResponse)
	assert.False(t, reply.ApprovalRequested)
	assert.Equal(t, "성과 기준이 무엇인가요?", reply.Text)

	reply, err = fx.engine.HandleMessage(ctx, "s1", "배송 완료 건수 기준으로")
	require.NoError(t, err)
	assert.True(t, reply.ApprovalRequested)

	st, _, err := fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "성과가 좋은 기사 조회해줘 (배송 완료 건수 기준으로)", st.PendingQuestion)
}

// The keyword double-check catches subjective wording even when the model
// judged the question clear.
func TestEngine_KeywordAmbiguityOverride(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{ambiguity: []string{"CLEAR"}})

	reply, err := fx.engine.HandleMessage(context.Background(), "s1", "인기 있는 상품을 알려줘")
	require.NoError(t, err)
	assert.True(t, reply.NeedsUserResponse)
	assert.Contains(t, reply.Text, "기준")
}

// A process question routes to the RAG pipeline and completes in one turn.
func TestEngine_RAGFlow(t *testing.T) {
	llm := &fakeLLM{
		routing:    []string{"RAG|0.9"},
		irrelevant: []string{"복지"},
		answer:     "배송은 접수, 포장, 배정, 배송 순으로 진행됩니다.",
	}
	fx := newEngineFixture(t, llm)

	reply, err := fx.engine.HandleMessage(context.Background(), "s1", "배송 프로세스는 어떻게 되나요?")
	require.NoError(t, err)
	assert.False(t, reply.NeedsUserResponse)
	assert.Equal(t, "배송은 접수, 포장, 배정, 배송 순으로 진행됩니다.", reply.Text)

	st, _, err := fx.store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageIdle, st.Stage)
}

// A greeting is answered directly, with no pipeline and no suspension.
func TestEngine_DirectRoute(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{routing: []string{"DIRECT|1.0"}})

	reply, err := fx.engine.HandleMessage(context.Background(), "s1", "안녕하세요, 뭘 할 수 있나요?")
	require.NoError(t, err)
	assert.False(t, reply.NeedsUserResponse)
	assert.NotEmpty(t, reply.Text)
	assert.Equal(t, 0, fx.querier.calls)
	assert.Equal(t, 0, fx.retriever.calls)
}

// Low routing confidence asks the user to pick a pipeline explicitly.
func TestEngine_UncertainRouteAsksForChoice(t *testing.T) {
	llm := &fakeLLM{routing: []string{"SQL|0.2"}}
	fx := newEngineFixture(t, llm)
	ctx := context.Background()

	reply, err := fx.engine.HandleMessage(ctx, "s1", "그거 관련해서 알려줘야 하는 거 있나")
	require.NoError(t, err)
	assert.True(t, reply.NeedsUserResponse)
	assert.Contains(t, reply.Text, "데이터 조회")

	reply, err = fx.engine.HandleMessage(ctx, "s1", "데이터 조회")
	require.NoError(t, err)
	assert.True(t, reply.ApprovalRequested)
}

// A bare rejection always re-prompts for feedback, and keeps re-prompting
// on repeat bare rejections.
func TestEngine_BareRejectionRepromptsForFeedback(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{routing: []string{"SQL|0.9"}})
	ctx := context.Background()

	_, err := fx.engine.HandleMessage(ctx, "s1", "주문 목록 보여줘")
	require.NoError(t, err)

	reply, err := fx.engine.HandleMessage(ctx, "s1", "거부")
	require.NoError(t, err)
	assert.True(t, reply.NeedsUserResponse)
	assert.Contains(t, reply.Text, "수정")

	st, _, err := fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAwaitRewriteFeedback, st.Stage)

	// a second bare rejection re-prompts again instead of reusing old
	// feedback
	reply, err = fx.engine.HandleMessage(ctx, "s1", "아니오")
	require.NoError(t, err)
	assert.True(t, reply.NeedsUserResponse)
	assert.Contains(t, reply.Text, "수정")

	// free text while awaiting feedback is the feedback
	reply, err = fx.engine.HandleMessage(ctx, "s1", "지역별로 묶어서 보여줘")
	require.NoError(t, err)
	assert.True(t, reply.ApprovalRequested)

	st, _, err = fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAwaitApproval, st.Stage)
	assert.Equal(t, []string{"지역별로 묶어서 보여줘"}, st.RejectionFeedback)
}

// Hitting the revision cap ends the turn with a terminal message and resets
// the session.
func TestEngine_RevisionCapTerminates(t *testing.T) {
	llm := &fakeLLM{
		routing: []string{"SQL|0.9"},
		generate: []string{
			`{"sql": "SELECT order_id FROM orders", "rationale": "1"}`,
			`{"sql": "SELECT order_id, region FROM orders", "rationale": "2"}`,
			`{"sql": "SELECT order_id, order_date FROM orders", "rationale": "3"}`,
			`{"sql": "SELECT order_id, order_date, region FROM orders", "rationale": "4"}`,
		},
	}
	fx := newEngineFixture(t, llm)
	ctx := context.Background()

	_, err := fx.engine.HandleMessage(ctx, "s1", "주문 목록 보여줘")
	require.NoError(t, err)

	for _, fb := range []string{"reject: 수정1", "reject: 수정2", "reject: 수정3"} {
		reply, err := fx.engine.HandleMessage(ctx, "s1", fb)
		require.NoError(t, err)
		assert.True(t, reply.ApprovalRequested)
	}

	reply, err := fx.engine.HandleMessage(ctx, "s1", "reject: 수정4")
	require.NoError(t, err)
	assert.False(t, reply.NeedsUserResponse)
	assert.Contains(t, reply.Text, "수정 횟수 제한")

	st, _, err := fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageIdle, st.Stage)
	assert.Equal(t, 0, fx.querier.calls)
}

// Unparseable text while awaiting approval re-prompts without touching the
// pending query.
func TestEngine_UnknownApprovalAnswerReprompts(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{routing: []string{"SQL|0.9"}})
	ctx := context.Background()

	_, err := fx.engine.HandleMessage(ctx, "s1", "주문 목록 보여줘")
	require.NoError(t, err)

	reply, err := fx.engine.HandleMessage(ctx, "s1", "음...")
	require.NoError(t, err)
	assert.True(t, reply.ApprovalRequested)
	assert.Contains(t, reply.Text, "승인")
	assert.Equal(t, 0, fx.querier.calls)
}

// A failed completion call surfaces a retry message without mutating state.
func TestEngine_CollaboratorUnavailableDoesNotMutateState(t *testing.T) {
	llm := &fakeLLM{err: errBoom}
	fx := newEngineFixture(t, llm)
	ctx := context.Background()

	reply, err := fx.engine.HandleMessage(ctx, "s1", "주문 목록 보여줘")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "다시 시도")

	_, _, err = fx.store.Load(ctx, "s1")
	require.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
}

// Query engine failure is terminal for the turn and never retried.
func TestEngine_EngineErrorIsTerminal(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{routing: []string{"SQL|0.9"}})
	fx.querier.err = errBoom
	ctx := context.Background()

	_, err := fx.engine.HandleMessage(ctx, "s1", "주문 목록 보여줘")
	require.NoError(t, err)

	reply, err := fx.engine.HandleMessage(ctx, "s1", "승인")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "오류")
	assert.Equal(t, 1, fx.querier.calls)

	st, _, err := fx.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageIdle, st.Stage)
}

// A corrupt checkpoint resets the session and informs the user.
func TestEngine_CorruptCheckpointResets(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{})
	ctx := context.Background()

	store := &corruptingStore{MemoryStore: fx.store, corrupt: true}
	engine, err := workflow.NewEngine(workflow.EngineConfig{
		LLM:       fx.llm,
		Retriever: fx.retriever,
		Schema:    &fakeSchemaFetcher{schema: logisticsSchema()},
		Querier:   fx.querier,
		Store:     store,
	})
	require.NoError(t, err)

	reply, err := engine.HandleMessage(ctx, "s1", "주문 목록 보여줘")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "초기화")

	// after the reset the session works normally
	store.corrupt = false
	st, _, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageIdle, st.Stage)
}

// Compound questions are split and answered in order.
func TestEngine_DecomposedQuestion(t *testing.T) {
	llm := &fakeLLM{
		decompose: []string{`SPLIT|["수도권 주문 건수 보여줘", "배송 프로세스 알려줘"]`},
		routing:   []string{"DIRECT|1.0", "RAG|0.9"},
		answer:    "배송은 4단계로 진행됩니다.",
		direct:    "수도권 주문은 12건입니다.",
	}
	fx := newEngineFixture(t, llm)

	reply, err := fx.engine.HandleMessage(context.Background(), "s1", "수도권 주문 건수 보여주고 배송 프로세스도 알려줘")
	require.NoError(t, err)
	assert.False(t, reply.NeedsUserResponse)
	first := strings.Index(reply.Text, "수도권 주문은 12건")
	second := strings.Index(reply.Text, "배송은 4단계")
	assert.Greater(t, first, -1)
	assert.Greater(t, second, first)
}

// Oversized messages are refused before any collaborator call.
func TestEngine_MessageTooLong(t *testing.T) {
	fx := newEngineFixture(t, &fakeLLM{})

	reply, err := fx.engine.HandleMessage(context.Background(), "s1", strings.Repeat("가", 2001))
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "2000자")
	assert.Equal(t, 0, fx.llm.callCount(""))
}

// A racing second message for the same session is rejected while the first
// turn is still running.
func TestEngine_ConcurrentTurnRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	llm := &blockingLLM{inner: &fakeLLM{routing: []string{"DIRECT|1.0"}}, release: release, started: started}

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		LLM:       llm,
		Retriever: &fakeRetriever{},
		Schema:    &fakeSchemaFetcher{schema: logisticsSchema()},
		Querier:   &fakeQueryEngine{},
		Store:     checkpoint.NewMemoryStore(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.HandleMessage(context.Background(), "s1", "안녕하세요")
		done <- err
	}()
	<-started

	_, err = engine.HandleMessage(context.Background(), "s1", "두 번째 메시지")
	require.ErrorIs(t, err, workflow.ErrTurnInProgress)

	// release the first turn and let it finish
	close(release)
	require.NoError(t, <-done)
}

// blockingLLM signals when the first call starts and blocks it until
// released, so turn serialization can be observed.
type blockingLLM struct {
	inner   *fakeLLM
	release chan struct{}
	started chan struct{}
	first   sync.Once
}

func (b *blockingLLM) Complete(ctx context.Context, system, user string) (string, error) {
	blocked := false
	b.first.Do(func() { blocked = true })
	if blocked {
		b.started <- struct{}{}
		<-b.release
	}
	return b.inner.Complete(ctx, system, user)
}

// corruptingStore serves a corrupt load until reset.
type corruptingStore struct {
	*checkpoint.MemoryStore
	corrupt bool
}

func (s *corruptingStore) Load(ctx context.Context, sessionID string) (*workflow.State, int64, error) {
	if s.corrupt {
		return nil, 0, checkpoint.ErrCorrupt
	}
	return s.MemoryStore.Load(ctx, sessionID)
}
