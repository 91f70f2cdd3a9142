package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow/prompts"
)

// Prompts contains all engine prompts loaded from embedded files.
type Prompts struct {
	Routing       string
	Ambiguity     string
	Decompose     string
	SQLGenerate   string
	FormatResults string
	RAGGrade      string
	RAGAnswer     string
	RAGRewrite    string
	Direct        string
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}
	for _, entry := range []struct {
		dst  *string
		file string
	}{
		{&p.Routing, "ROUTING.md"},
		{&p.Ambiguity, "AMBIGUITY.md"},
		{&p.Decompose, "DECOMPOSE.md"},
		{&p.SQLGenerate, "SQL_GENERATE.md"},
		{&p.FormatResults, "FORMAT_RESULTS.md"},
		{&p.RAGGrade, "RAG_GRADE.md"},
		{&p.RAGAnswer, "RAG_ANSWER.md"},
		{&p.RAGRewrite, "RAG_REWRITE.md"},
		{&p.Direct, "DIRECT.md"},
	} {
		data, err := prompts.FS.ReadFile(entry.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt %s: %w", entry.file, err)
		}
		*entry.dst = strings.TrimSpace(string(data))
	}
	return p, nil
}

// BuildSQLGeneratePrompt fills the schema and feedback sections of the SQL
// generation prompt.
func (p *Prompts) BuildSQLGeneratePrompt(schema *Schema, feedback []string) string {
	out := strings.ReplaceAll(p.SQLGenerate, "{{SCHEMA}}", schema.Render())
	fb := "(none)"
	if len(feedback) > 0 {
		var b strings.Builder
		for i, f := range feedback {
			fmt.Fprintf(&b, "%d. %s\n", i+1, f)
		}
		fb = strings.TrimSpace(b.String())
	}
	return strings.ReplaceAll(out, "{{FEEDBACK}}", fb)
}

// WithDate prefixes a system prompt with the current date so the model can
// resolve relative time expressions in questions.
func WithDate(prompt string, now time.Time) string {
	return fmt.Sprintf("Today's date: %s\n\n%s", now.Format("2006-01-02"), prompt)
}
