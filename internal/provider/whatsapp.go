package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	graphBaseURL = "https://graph.facebook.com"
	graphVersion = "v19.0"
)

// WhatsApp talks to the WhatsApp Cloud API (Graph) for one phone number id.
type WhatsApp struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string // override for tests; defaults to the Graph endpoint
	HTTP          *http.Client
}

func NewWhatsApp(accessToken, phoneNumberID string, timeout time.Duration) *WhatsApp {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WhatsApp{
		AccessToken:   accessToken,
		PhoneNumberID: phoneNumberID,
		HTTP:          &http.Client{Timeout: timeout},
	}
}

func (c *WhatsApp) messagesURL() string {
	base := c.BaseURL
	if base == "" {
		base = graphBaseURL + "/" + graphVersion
	}
	return fmt.Sprintf("%s/%s/messages", strings.TrimRight(base, "/"), c.PhoneNumberID)
}

// recipientType distinguishes group jids from individual wa ids.
func recipientType(to string) string {
	if strings.HasSuffix(to, "@g.us") {
		return "group"
	}
	return "individual"
}

func basePayload(to string) map[string]any {
	return map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"recipient_type":    recipientType(to),
	}
}

func (c *WhatsApp) SendText(ctx context.Context, to, text string) (SendResult, error) {
	payload := basePayload(to)
	payload["type"] = "text"
	payload["text"] = map[string]any{"body": text, "preview_url": false}
	return c.post(ctx, payload)
}

func (c *WhatsApp) SendInteractive(ctx context.Context, to, body string, buttons []Button) (SendResult, error) {
	actions := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		actions = append(actions, map[string]any{
			"type": "url",
			"url":  map[string]any{"url": b.URL, "display_text": b.DisplayText},
		})
	}
	payload := basePayload(to)
	payload["type"] = "interactive"
	payload["interactive"] = map[string]any{
		"type":   "button",
		"body":   map[string]any{"text": body},
		"action": map[string]any{"buttons": actions},
	}
	return c.post(ctx, payload)
}

func (c *WhatsApp) SendTemplate(ctx context.Context, to, templateName, language string, components []map[string]any) (SendResult, error) {
	payload := basePayload(to)
	payload["type"] = "template"
	payload["template"] = map[string]any{
		"name":       templateName,
		"language":   map[string]any{"code": language},
		"components": components,
	}
	return c.post(ctx, payload)
}

func (c *WhatsApp) MarkRead(ctx context.Context, messageID string) error {
	_, err := c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	})
	return err
}

func (c *WhatsApp) post(ctx context.Context, payload map[string]any) (SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return SendResult{}, decodeError(resp.StatusCode, raw)
	}

	var decoded struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return SendResult{}, fmt.Errorf("decode provider response: %w", err)
	}
	if len(decoded.Messages) == 0 {
		return SendResult{}, nil
	}
	return SendResult{MessageID: decoded.Messages[0].ID}, nil
}

func decodeError(status int, raw []byte) *Error {
	pe := &Error{StatusCode: status, Body: string(raw)}
	var envelope struct {
		Error struct {
			Code    int `json:"code"`
			Subcode int `json:"error_subcode"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		pe.Code = envelope.Error.Code
		pe.Subcode = envelope.Error.Subcode
	}
	return pe
}
