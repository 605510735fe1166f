package engine

import "context"

// Generator produces answers with a chat model served by an Engine.
type Generator struct {
	eng   Engine
	model string
}

// NewGenerator binds an Engine to a chat model.
func NewGenerator(e Engine, model string) *Generator {
	return &Generator{eng: e, model: model}
}

// Generate sends the system instructions and the assembled prompt as a
// two-message conversation.
func (g *Generator) Generate(ctx context.Context, system, prompt string) (string, error) {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})
	return g.eng.Chat(ctx, g.model, msgs)
}
