// Package whatsapp implements the outbound WhatsApp Cloud API transport.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/subtrackhq/subtrack/internal/metrics"
)

// Config holds transport settings.
type Config struct {
	APIURL  string        // full messages endpoint URL
	Token   string        // bearer credential
	Timeout time.Duration // per-call bound, default 10s
}

// Client sends text messages through the WhatsApp HTTP API.
type Client struct {
	apiURL string
	token  string
	client *http.Client
	logger *zap.Logger
}

// New creates a WhatsApp client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("whatsapp api url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("whatsapp token is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		apiURL: cfg.APIURL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type textMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText delivers one text message and returns the provider message id.
// A timeout is treated like any other transport failure by callers.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	payload, err := json.Marshal(textMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.RecordWhatsAppSend(time.Since(start))
	if err != nil {
		return "", fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("whatsapp api error (status %d, code %d): %s",
				resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return "", fmt.Errorf("whatsapp returned non-2xx status: %d, body: %s",
			resp.StatusCode, string(bodyBytes))
	}

	var parsed sendResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return "", fmt.Errorf("malformed whatsapp response: %w", err)
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", fmt.Errorf("whatsapp response missing message id, body: %s", string(bodyBytes))
	}

	c.logger.Debug("whatsapp message delivered",
		zap.String("to", to),
		zap.String("message_id", parsed.Messages[0].ID),
	)

	return parsed.Messages[0].ID, nil
}
