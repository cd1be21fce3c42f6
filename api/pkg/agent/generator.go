package agent

import (
	"context"

	"github.com/helixml/appbuilder/api/pkg/types"
)

// Chunk is one piece of generated output.
type Chunk struct {
	Text string
}

type GenerateRequest struct {
	AppID    string
	Messages []types.ChatMessage
	// DevServer is nil for generators that don't touch a project workspace.
	DevServer *types.DevServer
}

// LastUserText returns the text of the newest message.
func (r *GenerateRequest) LastUserText() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Text()
}

// Generator produces a response for a chat turn. It must return promptly once
// ctx is done, emit errors abort generation.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest, emit func(Chunk) error) error
}
