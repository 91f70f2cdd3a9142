// Package prompts embeds the prompt templates used by the workflow engine.
package prompts

import "embed"

//go:embed *.md
var FS embed.FS
