package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// RAGPipeline answers process and policy questions from retrieved documents.
// It never suspends: retrieve, grade, and answer (or rewrite and retry) all
// happen within one turn.
type RAGPipeline struct {
	llm       LLMClient
	retriever Retriever
	prompts   *Prompts
	log       *slog.Logger

	topK        int
	maxRewrites int
}

// RAGPipelineConfig configures a RAGPipeline.
type RAGPipelineConfig struct {
	LLM       LLMClient
	Retriever Retriever
	Prompts   *Prompts
	Logger    *slog.Logger

	// TopK is how many chunks to retrieve per attempt.
	TopK int
	// MaxRewrites bounds question reformulation attempts.
	MaxRewrites int
}

// NewRAGPipeline validates the config and creates the pipeline.
func NewRAGPipeline(cfg RAGPipelineConfig) (*RAGPipeline, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg.Prompts == nil {
		return nil, fmt.Errorf("prompts are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.MaxRewrites <= 0 {
		cfg.MaxRewrites = 3
	}
	return &RAGPipeline{
		llm:         cfg.LLM,
		retriever:   cfg.Retriever,
		prompts:     cfg.Prompts,
		log:         cfg.Logger,
		topK:        cfg.TopK,
		maxRewrites: cfg.MaxRewrites,
	}, nil
}

// Run answers the question in st.PendingQuestion. The rewrite counter lives
// in the state so the cap is enforced by the data model, even though this
// pipeline completes within a single turn.
func (p *RAGPipeline) Run(ctx context.Context, st *State) (string, error) {
	question := st.PendingQuestion
	for {
		chunks, err := p.retriever.Search(ctx, question, p.topK)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
		}

		relevant, err := p.grade(ctx, question, chunks)
		if err != nil {
			return "", err
		}
		p.log.Info("graded retrieved chunks", "retrieved", len(chunks), "relevant", len(relevant))

		if len(relevant) > 0 {
			return p.answer(ctx, question, relevant)
		}

		if st.RewriteCount >= p.maxRewrites {
			return "", fmt.Errorf("%w for %q", ErrRetrievalEmpty, question)
		}
		st.RewriteCount++

		question, err = p.rewrite(ctx, question)
		if err != nil {
			return "", err
		}
		p.log.Info("rewrote question for retrieval", "attempt", st.RewriteCount, "question", question)
	}
}

// grade judges each chunk independently. Chunks are graded concurrently;
// order is preserved in the result so step structure survives to the answer.
func (p *RAGPipeline) grade(ctx context.Context, question string, chunks []Chunk) ([]GradedChunk, error) {
	graded := make([]GradedChunk, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		g.Go(func() error {
			user := fmt.Sprintf("질문: %s\n\n문서 발췌:\n%s", question, c.Text)
			verdict, err := p.llm.Complete(gctx, p.prompts.RAGGrade, user)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
			}
			graded[i] = GradedChunk{
				Chunk:    c,
				Relevant: strings.EqualFold(strings.TrimSpace(verdict), "RELEVANT"),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var relevant []GradedChunk
	for _, gc := range graded {
		if gc.Relevant {
			relevant = append(relevant, gc)
		}
	}
	return relevant, nil
}

func (p *RAGPipeline) answer(ctx context.Context, question string, chunks []GradedChunk) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "질문: %s\n", question)
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[발췌 %d] (출처: %s)\n%s\n", i+1, c.Source, c.Text)
	}
	answer, err := p.llm.Complete(ctx, p.prompts.RAGAnswer, b.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}
	return strings.TrimSpace(answer), nil
}

func (p *RAGPipeline) rewrite(ctx context.Context, question string) (string, error) {
	rewritten, err := p.llm.Complete(ctx, p.prompts.RAGRewrite, question)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return question, nil
	}
	return rewritten, nil
}
