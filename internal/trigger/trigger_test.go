package trigger

import (
	"testing"

	"expansionbot/internal/transport"
)

func TestIsEligible(t *testing.T) {
	t.Parallel()
	bot := Identity{UserID: "UBOT", Name: "expansionbot"}
	msg := func(text, channel, user string) transport.Message {
		return transport.Message{Type: "message", Text: text, Channel: channel, User: user}
	}

	tests := []struct {
		name string
		msg  transport.Message
		want bool
	}{
		{name: "phrase mixed case", msg: msg("Expand ITM please", "C123", "U1"), want: true},
		{name: "phrase inside sentence", msg: msg("can someone expand itm for me", "C123", "U1"), want: true},
		{name: "bot name", msg: msg("hey ExpansionBot!", "C123", "U1"), want: true},
		{name: "from bot itself", msg: msg("Expand ITM please", "C123", "UBOT"), want: false},
		{name: "direct message", msg: msg("Expand ITM please", "D456", "U1"), want: false},
		{name: "private group", msg: msg("Expand ITM please", "G789", "U1"), want: false},
		{name: "empty channel", msg: msg("Expand ITM please", "", "U1"), want: false},
		{name: "empty text", msg: msg("", "C123", "U1"), want: false},
		{name: "no trigger", msg: msg("what is ITM again?", "C123", "U1"), want: false},
		{name: "phrase split", msg: msg("expand the ITM", "C123", "U1"), want: false},
		{
			name: "not a message event",
			msg:  transport.Message{Type: "user_typing", Text: "Expand ITM", Channel: "C123", User: "U1"},
			want: false,
		},
		{
			name: "edited message",
			msg:  transport.Message{Type: "message", Subtype: "message_changed", Text: "Expand ITM", Channel: "C123", User: "U1"},
			want: false,
		},
		{
			name: "join event",
			msg:  transport.Message{Type: "message", Subtype: "channel_join", Text: "<@U1> has joined expand itm", Channel: "C123", User: "U1"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEligible(tt.msg, bot); got != tt.want {
				t.Fatalf("IsEligible(%+v) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestNameSubstringMatchesInsideWords(t *testing.T) {
	t.Parallel()
	bot := Identity{UserID: "UBOT", Name: "ex"}
	m := transport.Message{Type: "message", Text: "for example", Channel: "C1", User: "U1"}
	if !IsEligible(m, bot) {
		t.Fatal("expected raw substring match on bot name")
	}
}

func TestEmptyNameDoesNotMatchEverything(t *testing.T) {
	t.Parallel()
	bot := Identity{UserID: "UBOT"}
	m := transport.Message{Type: "message", Text: "hello", Channel: "C1", User: "U1"}
	if IsEligible(m, bot) {
		t.Fatal("empty bot name must not match arbitrary text")
	}
}
