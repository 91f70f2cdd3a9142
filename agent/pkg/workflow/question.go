package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OutcomeKind is the question agent's decision for a new question.
type OutcomeKind int

const (
	// OutcomeProceed means the question is clear and routable as-is.
	OutcomeProceed OutcomeKind = iota
	// OutcomeClarify means the question lacks an objective criterion and
	// the user must answer ClarifyQuestion first.
	OutcomeClarify
	// OutcomeDecompose means the question splits into SubQuestions, each
	// routed independently.
	OutcomeDecompose
)

// Outcome is the result of analyzing a new question.
type Outcome struct {
	Kind            OutcomeKind
	ClarifyQuestion string
	SubQuestions    []string
}

// Words that signal a subjective criterion. A question containing one of
// these without any specific criterion word is treated as ambiguous even if
// the model judged it clear.
var vagueKeywords = []string{
	"성과", "인기", "좋은", "나쁜", "많은", "적은", "잘", "최고", "최악", "우수", "부진",
}

var specificKeywords = []string{
	"매출", "건수", "개수", "수량", "금액", "기간", "속도", "시간", "기준", "순위", "평균", "합계",
}

// QuestionAgent detects ambiguity and splits compound questions before
// routing. It invokes the completion client and has no other side effects.
type QuestionAgent struct {
	llm     LLMClient
	prompts *Prompts
}

// NewQuestionAgent creates a question agent.
func NewQuestionAgent(llm LLMClient, prompts *Prompts) *QuestionAgent {
	return &QuestionAgent{llm: llm, prompts: prompts}
}

// Analyze decides whether the question needs clarification, decomposition,
// or can proceed to routing.
func (a *QuestionAgent) Analyze(ctx context.Context, question string, history []Message) (*Outcome, error) {
	verdict, err := a.llm.Complete(ctx, a.prompts.Ambiguity, question)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}

	if q, ok := parseClarification(verdict); ok {
		return &Outcome{Kind: OutcomeClarify, ClarifyQuestion: q}, nil
	}

	// The model can miss subjective wording, so double-check keywords.
	if q, ambiguous := keywordAmbiguity(question); ambiguous {
		return &Outcome{Kind: OutcomeClarify, ClarifyQuestion: q}, nil
	}

	subs, err := a.decompose(ctx, question)
	if err != nil {
		return nil, err
	}
	if len(subs) > 1 {
		return &Outcome{Kind: OutcomeDecompose, SubQuestions: subs}, nil
	}
	return &Outcome{Kind: OutcomeProceed}, nil
}

func (a *QuestionAgent) decompose(ctx context.Context, question string) ([]string, error) {
	resp, err := a.llm.Complete(ctx, a.prompts.Decompose, question)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}
	resp = strings.TrimSpace(resp)
	if !strings.HasPrefix(resp, "SPLIT|") {
		return nil, nil
	}
	var subs []string
	if err := json.Unmarshal([]byte(strings.TrimPrefix(resp, "SPLIT|")), &subs); err != nil {
		// unparseable split output: treat as no split rather than failing
		// the turn
		return nil, nil
	}
	out := subs[:0]
	for _, s := range subs {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func parseClarification(verdict string) (string, bool) {
	verdict = strings.TrimSpace(verdict)
	if !strings.HasPrefix(verdict, "NEEDS_CLARIFICATION") {
		return "", false
	}
	_, q, found := strings.Cut(verdict, "|")
	q = strings.TrimSpace(q)
	if !found || q == "" {
		q = "질문의 기준을 조금 더 구체적으로 알려주시겠어요?"
	}
	return q, true
}

// keywordAmbiguity returns a clarifying question when the text has vague
// wording and no specific criterion.
func keywordAmbiguity(question string) (string, bool) {
	var vague string
	for _, w := range vagueKeywords {
		if strings.Contains(question, w) {
			vague = w
			break
		}
	}
	if vague == "" {
		return "", false
	}
	for _, w := range specificKeywords {
		if strings.Contains(question, w) {
			return "", false
		}
	}
	return fmt.Sprintf("'%s'의 기준이 무엇인가요? (예: 배송 완료 건수, 평균 배송 시간)", vague), true
}

// FoldClarification combines the original question with the user's
// clarifying answer into a single routable question.
func FoldClarification(original, answer string) string {
	return fmt.Sprintf("%s (%s)", original, strings.TrimSpace(answer))
}
