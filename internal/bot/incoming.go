package bot

import (
	"encoding/json"
	"strconv"
	"time"
)

// IncomingMessage is one message lifted out of a webhook delivery,
// flattened to what the handlers need.
type IncomingMessage struct {
	SenderWAID       string
	SenderName       string
	MessageID        string
	Timestamp        time.Time
	MessageType      string
	Text             string
	ButtonPayload    string
	ButtonTitle      string
	ContextMessageID string
	GroupID          string
	GroupName        string
	IsGroup          bool
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []rawMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type rawMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Context *struct {
		ID      string `json:"id"`
		GroupID string `json:"group_id"`
	} `json:"context"`
	Group *struct {
		ID      string `json:"id"`
		Subject string `json:"subject"`
		Name    string `json:"name"`
	} `json:"group"`
}

// ExtractMessages flattens a raw webhook body into incoming messages.
// Unknown or malformed entries are skipped, never fatal: the webhook must
// always ack.
func ExtractMessages(body []byte) []IncomingMessage {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	var out []IncomingMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				out = append(out, flatten(m, names))
			}
		}
	}
	return out
}

func flatten(m rawMessage, names map[string]string) IncomingMessage {
	msg := IncomingMessage{
		SenderWAID:  m.From,
		SenderName:  names[m.From],
		MessageID:   m.ID,
		MessageType: m.Type,
		Timestamp:   parseTimestamp(m.Timestamp),
	}

	if m.Text != nil {
		msg.Text = m.Text.Body
	}
	if m.Interactive != nil {
		switch {
		case m.Interactive.ButtonReply != nil:
			msg.ButtonPayload = m.Interactive.ButtonReply.ID
			msg.ButtonTitle = m.Interactive.ButtonReply.Title
		case m.Interactive.ListReply != nil:
			msg.ButtonPayload = m.Interactive.ListReply.ID
			msg.ButtonTitle = m.Interactive.ListReply.Title
		}
	}
	if m.Context != nil {
		msg.ContextMessageID = m.Context.ID
		msg.GroupID = m.Context.GroupID
	}
	if m.Group != nil {
		if m.Group.ID != "" {
			msg.GroupID = m.Group.ID
		}
		if m.Group.Subject != "" {
			msg.GroupName = m.Group.Subject
		} else {
			msg.GroupName = m.Group.Name
		}
	}
	msg.IsGroup = msg.GroupID != ""
	return msg
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Now().UTC()
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
