package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itai-weiss/WA-bot/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *provider.WhatsApp {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := provider.NewWhatsApp("tok-123", "555000", 2*time.Second)
	c.BaseURL = srv.URL
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	var payload map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	return payload
}

func TestSendTextPayloadAndResult(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/555000/messages", r.URL.Path)
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		got = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.sent1"}]}`))
	})

	res, err := c.SendText(context.Background(), "972500000001", "hello")
	require.NoError(t, err)
	require.Equal(t, "wamid.sent1", res.MessageID)

	require.Equal(t, "whatsapp", got["messaging_product"])
	require.Equal(t, "text", got["type"])
	require.Equal(t, "individual", got["recipient_type"])
	text := got["text"].(map[string]any)
	require.Equal(t, "hello", text["body"])
}

func TestSendTextToGroupJid(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.sent2"}]}`))
	})

	_, err := c.SendText(context.Background(), "123@g.us", "hi group")
	require.NoError(t, err)
	require.Equal(t, "group", got["recipient_type"])
}

func TestSendInteractivePayload(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.sent3"}]}`))
	})

	_, err := c.SendInteractive(context.Background(), "972500000001", "ping",
		[]provider.Button{{URL: "https://wa.me/316", DisplayText: "Open chat"}})
	require.NoError(t, err)

	interactive := got["interactive"].(map[string]any)
	require.Equal(t, "button", interactive["type"])
	body := interactive["body"].(map[string]any)
	require.Equal(t, "ping", body["text"])
}

func TestSendTemplatePayload(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.sent4"}]}`))
	})

	_, err := provider.SendOwnerNotify(context.Background(), c,
		"972500000001", "Team Chat", "Dana", "sounds good", "https://wa.me/316")
	require.NoError(t, err)

	tmpl := got["template"].(map[string]any)
	require.Equal(t, "owner_notify", tmpl["name"])
	lang := tmpl["language"].(map[string]any)
	require.Equal(t, "en_US", lang["code"])
	require.Len(t, tmpl["components"].([]any), 2)
}

func TestEmptyMessagesArrayYieldsNoID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	})
	res, err := c.SendText(context.Background(), "972500000001", "x")
	require.NoError(t, err)
	require.Empty(t, res.MessageID)
}

func TestGraphErrorEnvelopeDecoded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":470,"error_subcode":2018041}}`))
	})
	_, err := c.SendText(context.Background(), "972500000001", "x")
	require.Error(t, err)

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 400, pe.StatusCode)
	require.Equal(t, 470, pe.Code)
	require.Equal(t, 2018041, pe.Subcode)
	require.False(t, pe.Retryable())
	require.True(t, provider.NeedsTemplateFallback(err))
}

func TestRetryableStatuses(t *testing.T) {
	require.True(t, (&provider.Error{StatusCode: 429}).Retryable())
	require.True(t, (&provider.Error{StatusCode: 500}).Retryable())
	require.True(t, (&provider.Error{StatusCode: 503}).Retryable())
	require.False(t, (&provider.Error{StatusCode: 400}).Retryable())
	require.False(t, (&provider.Error{StatusCode: 403}).Retryable())
}

func TestNeedsTemplateFallbackSubcodes(t *testing.T) {
	for _, sub := range []int{2018041, 2018042, 2018046} {
		require.True(t, provider.NeedsTemplateFallback(&provider.Error{StatusCode: 400, Subcode: sub}))
	}
	require.False(t, provider.NeedsTemplateFallback(&provider.Error{StatusCode: 400, Code: 100}))
	require.False(t, provider.NeedsTemplateFallback(context.DeadlineExceeded))
}

func TestMarkReadPayload(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		_, _ = w.Write([]byte(`{}`))
	})
	require.NoError(t, c.MarkRead(context.Background(), "wamid.in1"))
	require.Equal(t, "read", got["status"])
	require.Equal(t, "wamid.in1", got["message_id"])
}
