package prompts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/promptchain/server/internal/agent/model"
)

const systemKey = "system_messages"

const analyzeUserTemplate = `{{.Transcript}}`

const processUserTemplate = `Question:
{{.Question}}

Analysis:
{{.Analysis}}`

const synthesizeUserTemplate = `Question:
{{.Question}}

Tone: {{.Tone}}

Outline:
{{range .Outline}}- {{.}}
{{end}}
Key facts:
{{range .KeyFacts}}- {{.}}
{{end}}`

// RenderAnalyze builds the analyze prompt from the conversation transcript.
func RenderAnalyze(ctx context.Context, system, transcript string) ([]*schema.Message, error) {
	return render(ctx, "analyze", system, analyzeUserTemplate, map[string]any{
		"Transcript": transcript,
	})
}

// RenderProcess builds the process prompt from the question and its analysis.
func RenderProcess(ctx context.Context, system, question string, analysis *model.AnalysisOutput) ([]*schema.Message, error) {
	if analysis == nil {
		return nil, fmt.Errorf("process prompt render: analysis is nil")
	}
	raw, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("process prompt render: %w", err)
	}
	return render(ctx, "process", system, processUserTemplate, map[string]any{
		"Question": question,
		"Analysis": string(raw),
	})
}

// RenderSynthesize builds the synthesis prompt from the question and the plan.
func RenderSynthesize(ctx context.Context, system, question string, plan *model.ProcessOutput) ([]*schema.Message, error) {
	if plan == nil {
		return nil, fmt.Errorf("synthesize prompt render: plan is nil")
	}
	return render(ctx, "synthesize", system, synthesizeUserTemplate, map[string]any{
		"Question": question,
		"Tone":     plan.Tone,
		"Outline":  plan.Outline,
		"KeyFacts": plan.KeyFacts,
	})
}

// render formats through the eino prompt component so prompt callbacks fire.
// The system text goes in through a placeholder and is never template-parsed.
func render(ctx context.Context, name, system, userTemplate string, vars map[string]any) ([]*schema.Message, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.MessagesPlaceholder(systemKey, false),
		schema.UserMessage(userTemplate),
	)
	vars[systemKey] = []*schema.Message{schema.SystemMessage(system)}

	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("%s prompt render: %w", name, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%s prompt render: empty result", name)
	}
	return msgs, nil
}
