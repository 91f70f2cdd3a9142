package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
)

// fakeLLM scripts completion responses per prompt purpose, dispatching on
// distinctive fragments of each system prompt. Queued responses are consumed
// in order; an empty queue falls back to the default.
type fakeLLM struct {
	mu sync.Mutex

	ambiguity []string
	decompose []string
	routing   []string
	generate  []string
	rewrite   []string
	answer    string
	format    string
	direct    string

	// chunks whose text contains one of these markers grade IRRELEVANT;
	// grading runs concurrently so it cannot be a queue
	irrelevant []string

	err   error
	calls []string
}

func (f *fakeLLM) pop(queue *[]string, fallback string) string {
	if len(*queue) == 0 {
		return fallback
	}
	head := (*queue)[0]
	*queue = (*queue)[1:]
	return head
}

func (f *fakeLLM) Complete(_ context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}

	switch {
	case strings.Contains(system, "unambiguous success criterion"):
		f.calls = append(f.calls, "ambiguity")
		return f.pop(&f.ambiguity, "CLEAR"), nil
	case strings.Contains(system, "NO_SPLIT"):
		f.calls = append(f.calls, "decompose")
		return f.pop(&f.decompose, "NO_SPLIT"), nil
	case strings.Contains(system, "CATEGORY|CONFIDENCE"):
		f.calls = append(f.calls, "routing")
		return f.pop(&f.routing, "SQL|0.9"), nil
	case strings.Contains(system, "single PostgreSQL SELECT statement"):
		f.calls = append(f.calls, "generate")
		return f.pop(&f.generate, `{"sql": "SELECT order_id FROM orders", "rationale": "주문 조회"}`), nil
	case strings.Contains(system, "RELEVANT or IRRELEVANT"):
		f.calls = append(f.calls, "grade:"+user)
		for _, marker := range f.irrelevant {
			if strings.Contains(user, marker) {
				return "IRRELEVANT", nil
			}
		}
		return "RELEVANT", nil
	case strings.Contains(system, "document excerpts provided"):
		f.calls = append(f.calls, "answer:"+user)
		if f.answer != "" {
			return f.answer, nil
		}
		return "문서 기반 답변입니다.", nil
	case strings.Contains(system, "Reformulate the question"):
		f.calls = append(f.calls, "rewrite")
		return f.pop(&f.rewrite, "배송 절차 문서"), nil
	case strings.Contains(system, "query results into a concise Korean answer"):
		f.calls = append(f.calls, "format")
		if f.format != "" {
			return f.format, nil
		}
		return "조회 결과입니다.", nil
	case strings.Contains(system, "greeting"):
		f.calls = append(f.calls, "direct")
		if f.direct != "" {
			return f.direct, nil
		}
		return "안녕하세요! 무엇을 도와드릴까요?", nil
	}
	return "", fmt.Errorf("unexpected system prompt: %.60s", system)
}

func (f *fakeLLM) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func logisticsSchema() *workflow.Schema {
	return &workflow.Schema{Tables: []workflow.Table{
		{Name: "orders", Columns: []workflow.Column{
			{Name: "order_id", Type: "integer"},
			{Name: "order_date", Type: "date"},
			{Name: "region", Type: "text"},
		}},
		{Name: "order_items", Columns: []workflow.Column{
			{Name: "order_item_id", Type: "integer"},
			{Name: "order_id", Type: "integer"},
			{Name: "product_name", Type: "text"},
			{Name: "category", Type: "text"},
			{Name: "weight_kg", Type: "numeric"},
			{Name: "quantity", Type: "integer"},
		}},
		{Name: "drivers", Columns: []workflow.Column{
			{Name: "driver_id", Type: "integer"},
			{Name: "driver_name", Type: "text"},
			{Name: "vehicle_type", Type: "text"},
		}},
		{Name: "deliveries", Columns: []workflow.Column{
			{Name: "delivery_id", Type: "integer"},
			{Name: "order_id", Type: "integer"},
			{Name: "driver_id", Type: "integer"},
			{Name: "status", Type: "text"},
			{Name: "shipped_at", Type: "timestamptz"},
			{Name: "delivered_at", Type: "timestamptz"},
		}},
	}}
}

type fakeSchemaFetcher struct {
	schema *workflow.Schema
	err    error
	calls  int
}

func (f *fakeSchemaFetcher) FetchSchema(context.Context) (*workflow.Schema, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.schema, nil
}

type fakeQueryEngine struct {
	result *workflow.QueryResult
	err    error
	calls  int
	got    []string
}

func (f *fakeQueryEngine) Execute(_ context.Context, sql string) (*workflow.QueryResult, error) {
	f.calls++
	f.got = append(f.got, sql)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &workflow.QueryResult{
		SQL:     sql,
		Columns: []string{"order_id"},
		Rows:    []map[string]any{{"order_id": 1}},
		Count:   1,
	}, nil
}

type fakeRetriever struct {
	chunks [][]workflow.Chunk
	err    error
	calls  int
	got    []string
}

func (f *fakeRetriever) Search(_ context.Context, query string, k int) ([]workflow.Chunk, error) {
	f.calls++
	f.got = append(f.got, query)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.chunks) == 0 {
		return nil, nil
	}
	head := f.chunks[0]
	if len(f.chunks) > 1 {
		f.chunks = f.chunks[1:]
	}
	if len(head) > k {
		head = head[:k]
	}
	return head, nil
}

var errBoom = errors.New("boom")
