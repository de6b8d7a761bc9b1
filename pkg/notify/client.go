// Package notify delivers task lifecycle notifications to Telegram chats.
package notify

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

const defaultAPIBaseURL = "https://api.telegram.org"

// Button is one inline keyboard button attached to a message.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Client is a thin wrapper around the Telegram Bot API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a new Telegram Bot API client.
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, defaultAPIBaseURL)
}

// NewClientWithBaseURL creates a client that targets a custom API base URL.
// Useful for testing with a mock server.
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		token:      token,
		logger:     slog.Default().With("component", "telegram-client"),
	}
}

type sendMessageRequest struct {
	ChatID          int64        `json:"chat_id"`
	MessageThreadID *int64       `json:"message_thread_id,omitempty"`
	Text            string       `json:"text"`
	ReplyMarkup     *replyMarkup `json:"reply_markup,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage posts a message to the chat. If threadID is non-nil, the
// message lands in that forum topic. buttons may be nil.
func (c *Client) SendMessage(ctx context.Context, chatID int64, threadID *int64, text string, buttons [][]Button, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := sendMessageRequest{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Text:            text,
	}
	if len(buttons) > 0 {
		payload.ReplyMarkup = &replyMarkup{InlineKeyboard: buttons}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sendMessage payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage failed: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode sendMessage response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("sendMessage rejected: %s", out.Description)
	}
	return nil
}
