package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendResult carries the provider-assigned id of the outbound message. An
// empty MessageID on a successful send is a permanent failure upstream.
type SendResult struct {
	MessageID string
}

// Button is a URL call-to-action attached to an interactive message.
type Button struct {
	URL         string
	DisplayText string
}

// Client is the outbound messaging surface the bot and the executor consume.
type Client interface {
	SendText(ctx context.Context, to, text string) (SendResult, error)
	SendInteractive(ctx context.Context, to, body string, buttons []Button) (SendResult, error)
	SendTemplate(ctx context.Context, to, templateName, language string, components []map[string]any) (SendResult, error)
	MarkRead(ctx context.Context, messageID string) error
}

// Error is a provider rejection with the Graph error envelope decoded.
type Error struct {
	StatusCode int
	Code       int
	Subcode    int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error: status=%d code=%d subcode=%d", e.StatusCode, e.Code, e.Subcode)
}

// Retryable reports whether the send may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// NeedsTemplateFallback reports whether a direct send was rejected for being
// outside the messaging window and should be retried as an approved
// template send.
func NeedsTemplateFallback(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Code == 470 {
		return true
	}
	switch pe.Subcode {
	case 2018041, 2018042, 2018046:
		return true
	}
	return false
}
