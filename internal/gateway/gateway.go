package gateway

import (
	"context"

	"github.com/rahul/jarvis/internal/service"
)

// Messenger defines the interface for chat gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Name identifies the gateway in logs.
	Name() string
	// Start listens for messages until ctx is done.
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Chatter answers one conversational turn. *service.Service implements it.
type Chatter interface {
	Chat(ctx context.Context, chatID string, req service.ChatRequest) service.ChatResponse
}

const troubleReply = "I'm having trouble with that right now..."

// answer runs a turn and renders the text to send back.
func answer(ctx context.Context, chat Chatter, chatID, text string) string {
	resp := chat.Chat(ctx, chatID, service.ChatRequest{Command: text})
	if resp.Response != "" {
		return resp.Response
	}
	if resp.Error != "" {
		return resp.Error
	}
	return troubleReply
}
