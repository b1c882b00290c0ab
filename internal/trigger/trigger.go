// Package trigger decides whether an inbound message should get a reply.
package trigger

import (
	"strings"

	"expansionbot/internal/transport"
)

// Phrase is the fixed trigger, matched case-insensitively anywhere in the text.
const Phrase = "expand itm"

// Identity is the bot as seen by the chat platform.
type Identity struct {
	UserID string
	Name   string
}

// IsEligible reports whether msg should be answered by the bot identified by id.
//
// The name match is a raw substring test: a bot named "ex" also matches
// "example". That is the intended behavior.
func IsEligible(msg transport.Message, id Identity) bool {
	return isChatMessage(msg) &&
		transport.IsGroupChannel(msg.Channel) &&
		!isFromSelf(msg, id) &&
		mentionsTrigger(msg.Text, id.Name)
}

func isChatMessage(msg transport.Message) bool {
	return msg.Type == transport.MessageTypeMessage && msg.Subtype == "" && msg.Text != ""
}

func isFromSelf(msg transport.Message, id Identity) bool {
	return id.UserID != "" && msg.User == id.UserID
}

func mentionsTrigger(text, name string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, Phrase) {
		return true
	}
	name = strings.ToLower(name)
	return name != "" && strings.Contains(lower, name)
}
