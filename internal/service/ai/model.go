package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// LanguageModel is the completion surface the engine needs.
type LanguageModel interface {
	Complete(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error)
}

// EinoModel adapts an eino tool-calling chat model.
type EinoModel struct {
	base model.ToolCallingChatModel
}

// NewEinoModel wraps a chat model such as the Ark client.
func NewEinoModel(base model.ToolCallingChatModel) *EinoModel {
	return &EinoModel{base: base}
}

// Complete implements LanguageModel.
func (m *EinoModel) Complete(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
	var chatModel model.BaseChatModel = m.base
	if len(tools) > 0 {
		bound, err := m.base.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		chatModel = bound
	}
	return chatModel.Generate(ctx, messages)
}
