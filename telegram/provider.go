// Package telegram handles message delivery to subscriber chats via
// pluggable providers.
package telegram

import (
	"context"
	"errors"
	"fmt"
)

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers one text message to the chat identified by chatID.
	Send(ctx context.Context, chatID, text string) error
}

// BlockedError indicates the subscriber can no longer be reached: the chat
// blocked the bot or was deleted. Not retryable.
type BlockedError struct {
	ChatID      string
	Description string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("chat %s unreachable: %s", e.ChatID, e.Description)
}

// IsBlocked checks whether an error is a permanent unreachable-subscriber failure.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}
