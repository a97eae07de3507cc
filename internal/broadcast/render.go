package broadcast

import (
	"strings"

	"funnelbot/internal/model"
)

// RenderText substitutes placeholder with the recipient's first name,
// falling back to the username. Text without the placeholder is returned
// unmodified.
func RenderText(body, placeholder string, r model.Recipient) string {
	if placeholder == "" || !strings.Contains(body, placeholder) {
		return body
	}
	name := strings.TrimSpace(r.FirstName)
	if name == "" {
		name = strings.TrimSpace(r.Username)
	}
	return strings.ReplaceAll(body, placeholder, name)
}

// ButtonTarget resolves the call-to-action for one recipient.
//
// It returns (nil, true) when the message renders no button, and
// (nil, false) when a button is required but no link can be computed.
func ButtonTarget(msg model.Message, r model.Recipient) (*Button, bool) {
	if !msg.ShowButton {
		return nil, true
	}
	link := strings.TrimSpace(msg.ButtonLink.UnwrapOr(""))
	if link == "" {
		link = strings.TrimSpace(r.ReferralLink)
	}
	if link == "" {
		return nil, false
	}
	return &Button{Label: msg.ButtonText, URL: link}, true
}
