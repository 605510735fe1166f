package proxy

import (
	"context"
	"fmt"
	"slices"
)

// Generator answers prompts with one OpenRouter model.
type Generator struct {
	client *Client
	model  string
}

// NewGenerator creates a Generator for model.
func NewGenerator(c *Client, model string) *Generator {
	return &Generator{client: c, model: model}
}

// Model returns the model name.
func (g *Generator) Model() string { return g.model }

// Generate sends system and prompt as a two-message conversation.
func (g *Generator) Generate(ctx context.Context, system, prompt string) (string, error) {
	req := ChatRequest{Model: g.model}
	if system != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: prompt})
	return g.client.Complete(ctx, req)
}

// Check verifies that the configured model is served upstream.
func (g *Generator) Check(ctx context.Context) error {
	models, err := g.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing openrouter models: %w", err)
	}
	if !slices.ContainsFunc(models, func(m Model) bool { return m.ID == g.model }) {
		return fmt.Errorf("model %s is not available on openrouter", g.model)
	}
	return nil
}
