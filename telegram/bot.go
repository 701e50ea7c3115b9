package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// BotProvider sends messages through the Telegram Bot API.
type BotProvider struct {
	token   string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

// NewBotProvider creates a Telegram Bot API provider.
func NewBotProvider(token string, logger *slog.Logger) *BotProvider {
	return &BotProvider{
		token:   token,
		apiBase: defaultAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// sendMessageRequest is the Bot API sendMessage payload.
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send delivers one message. HTTP 403 means the chat blocked the bot and is
// reported as a BlockedError; everything else is returned as-is for the
// caller's retry policy.
func (b *BotProvider) Send(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", b.apiBase, b.token)

	b.logger.Info("Telegram API request starting",
		"method", "POST",
		"endpoint", "sendMessage",
		"chat_id", chatID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := b.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		b.logger.Warn("Telegram API request failed",
			"chat_id", chatID,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		// Non-JSON body; fall back to the status code alone.
		apiResp = apiResponse{OK: resp.StatusCode == http.StatusOK}
	}

	if resp.StatusCode == http.StatusForbidden {
		b.logger.Warn("Telegram chat unreachable",
			"chat_id", chatID,
			"description", apiResp.Description)
		return &BlockedError{ChatID: chatID, Description: apiResp.Description}
	}

	if !apiResp.OK {
		b.logger.Warn("Telegram API returned an error",
			"chat_id", chatID,
			"status_code", resp.StatusCode,
			"error_code", apiResp.ErrorCode,
			"description", apiResp.Description)
		return fmt.Errorf("telegram API error %d: %s", resp.StatusCode, apiResp.Description)
	}

	b.logger.Info("Telegram API request completed",
		"endpoint", "sendMessage",
		"chat_id", chatID,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}
