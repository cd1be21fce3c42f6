package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/types"
)

var ErrNoMessages = errors.New("no messages to respond to")

const builderSystemPrompt = `You are an app builder working inside a live development server.
Make the smallest set of file changes that fulfils the user's request and explain what you changed in a sentence or two.`

// AnthropicGenerator streams builder responses from the Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

var _ Generator = &AnthropicGenerator{}

func NewAnthropicGenerator(cfg config.Anthropic, opts ...option.RequestOption) *AnthropicGenerator {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)

	return &AnthropicGenerator{
		client:    anthropic.NewClient(options...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func systemPrompt(server *types.DevServer) string {
	if server == nil {
		return builderSystemPrompt
	}
	var b strings.Builder
	b.WriteString(builderSystemPrompt)
	fmt.Fprintf(&b, "\n\nThe project's development server tools are available over MCP at %s.", server.MCPURL())
	if server.EphemeralURL != "" {
		fmt.Fprintf(&b, "\nThe running preview is at %s.", server.EphemeralURL)
	}
	return b.String()
}

func convertMessages(messages []types.ChatMessage) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		text := msg.Text()
		if text == "" {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return result
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req *GenerateRequest, emit func(Chunk) error) error {
	messages := convertMessages(req.Messages)
	if len(messages) == 0 {
		return ErrNoMessages
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  messages,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(req.DevServer)},
		},
	}

	stream := g.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var outputTokens int64
	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if err := emit(Chunk{Text: delta.Text}); err != nil {
					return err
				}
			}
		case "message_delta":
			outputTokens = event.AsMessageDelta().Usage.OutputTokens
		case "message_stop":
			log.Ctx(ctx).Debug().
				Str("app_id", req.AppID).
				Int64("output_tokens", outputTokens).
				Msg("builder response complete")
			return nil
		}
	}

	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("anthropic stream failed: %w", err)
	}
	return nil
}
