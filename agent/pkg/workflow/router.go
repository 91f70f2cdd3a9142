package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Router classifies a clarified question into a handling path. Routing is
// evaluated fresh on every new question; nothing is cached across turns.
type Router struct {
	llm       LLMClient
	prompts   *Prompts
	threshold float64
}

// NewRouter creates a router. threshold is the minimum confidence below
// which the decision degrades to RouteUncertain.
func NewRouter(llm LLMClient, prompts *Prompts, threshold float64) *Router {
	return &Router{llm: llm, prompts: prompts, threshold: threshold}
}

// Route returns the routing decision and the model's confidence.
func (r *Router) Route(ctx context.Context, question string) (Routing, float64, error) {
	resp, err := r.llm.Complete(ctx, r.prompts.Routing, question)
	if err != nil {
		return RouteNone, 0, fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}

	decision, confidence := parseRouting(resp)
	if decision == RouteNone {
		return RouteUncertain, 0, nil
	}
	if confidence < r.threshold && decision != RouteDirect {
		return RouteUncertain, confidence, nil
	}
	return decision, confidence, nil
}

func parseRouting(resp string) (Routing, float64) {
	line := strings.TrimSpace(resp)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	cat, confStr, _ := strings.Cut(line, "|")

	var decision Routing
	switch strings.ToUpper(strings.TrimSpace(cat)) {
	case "SQL":
		decision = RouteSQL
	case "RAG":
		decision = RouteRAG
	case "DIRECT":
		decision = RouteDirect
	case "UNCERTAIN":
		decision = RouteUncertain
	default:
		return RouteNone, 0
	}

	confidence := 1.0
	if confStr = strings.TrimSpace(confStr); confStr != "" {
		if v, err := strconv.ParseFloat(confStr, 64); err == nil {
			confidence = v
		}
	}
	return decision, confidence
}

// ParseRouteChoice matches a user's answer to a "pick SQL or RAG" prompt.
func ParseRouteChoice(answer string) (Routing, bool) {
	lower := strings.ToLower(strings.TrimSpace(answer))
	switch {
	case strings.Contains(lower, "sql") || strings.Contains(lower, "데이터") || strings.Contains(lower, "조회"):
		return RouteSQL, true
	case strings.Contains(lower, "rag") || strings.Contains(lower, "문서") || strings.Contains(lower, "검색"):
		return RouteRAG, true
	}
	return RouteNone, false
}
