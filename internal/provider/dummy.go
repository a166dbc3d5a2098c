package provider

import (
	"context"

	"github.com/google/uuid"
)

// Dummy accepts every send and mints fake message ids. Used for local runs
// without WhatsApp credentials and as a default in tests.
type Dummy struct{}

func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) SendText(ctx context.Context, to, text string) (SendResult, error) {
	return SendResult{MessageID: "wamid.dummy-" + uuid.NewString()}, nil
}

func (d *Dummy) SendInteractive(ctx context.Context, to, body string, buttons []Button) (SendResult, error) {
	return SendResult{MessageID: "wamid.dummy-" + uuid.NewString()}, nil
}

func (d *Dummy) SendTemplate(ctx context.Context, to, templateName, language string, components []map[string]any) (SendResult, error) {
	return SendResult{MessageID: "wamid.dummy-" + uuid.NewString()}, nil
}

func (d *Dummy) MarkRead(ctx context.Context, messageID string) error { return nil }
