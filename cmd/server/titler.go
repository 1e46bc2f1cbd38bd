package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvidai/assistant-backend/internal/model"
)

const titlePrompt = "Summarize the following conversation opening in 4-8 words, title case, no punctuation at the end. Respond with only the title."

// modelTitler implements orchestrator.Titler over a model.Client, replacing
// the original's dedicated ChatOpenAI("gpt-4o-mini") call with the same
// small-cheap-model-for-a-one-shot-completion shape, routed through the
// provider-agnostic model.Client boundary instead of a second SDK.
type modelTitler struct {
	client model.Client
}

func newTitler(client model.Client) *modelTitler {
	return &modelTitler{client: client}
}

func (t *modelTitler) Title(ctx context.Context, threadText string) (string, error) {
	resp, err := t.client.Complete(ctx, model.Request{
		MaxTokens: 32,
		Messages: []model.Message{
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: titlePrompt + "\n\n" + threadText}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("titler: complete: %w", err)
	}
	var title string
	for _, m := range resp.Content {
		title += m.Text()
	}
	title = strings.TrimSpace(strings.Trim(title, `"`))
	if title == "" {
		return "", fmt.Errorf("titler: model returned empty title")
	}
	return title, nil
}
