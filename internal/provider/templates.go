package provider

import "context"

const (
	ownerNotifyTemplate = "owner_notify"
	templateLanguage    = "en_US"
)

// OwnerNotifyComponents builds the parameter set for the approved
// owner_notify template: group, sender, snippet in the body and the
// open-chat URL on the button.
func OwnerNotifyComponents(groupName, senderName, snippet, ctaURL string) []map[string]any {
	return []map[string]any{
		{
			"type": "body",
			"parameters": []map[string]any{
				{"type": "text", "text": groupName},
				{"type": "text", "text": senderName},
				{"type": "text", "text": snippet},
			},
		},
		{
			"type":     "button",
			"sub_type": "url",
			"index":    "0",
			"parameters": []map[string]any{
				{"type": "text", "text": ctaURL},
			},
		},
	}
}

// SendOwnerNotify is the approved-template fallback used when a direct send
// to the owner is rejected outside the messaging window.
func SendOwnerNotify(ctx context.Context, c Client, to, groupName, senderName, snippet, ctaURL string) (SendResult, error) {
	return c.SendTemplate(ctx, to, ownerNotifyTemplate, templateLanguage,
		OwnerNotifyComponents(groupName, senderName, snippet, ctaURL))
}
