package transport

import (
	"context"
	"strings"
)

type EventKind string

const (
	// EventMessage carries an inbound message.
	EventMessage EventKind = "message"
	// EventConnected is emitted on every (re)connect, before any message of that session.
	EventConnected EventKind = "connected"
)

type Event struct {
	Kind    EventKind
	Message *Message
	Info    *ConnectInfo
}

// MessageTypeMessage is the only message type the bot replies to.
const MessageTypeMessage = "message"

// Message is a platform-neutral inbound message.
//
// Subtype is non-empty for system events (edits, joins, bot_message, ...).
type Message struct {
	Type    string
	Subtype string
	Text    string
	Channel string
	User    string
}

// Channel ids for public/group conversations start with 'C'.
// Direct messages use 'D', private groups 'G'.
const GroupChannelPrefix = "C"

// IsGroupChannel reports whether id names a public/group channel.
func IsGroupChannel(id string) bool {
	return strings.HasPrefix(id, GroupChannelPrefix)
}

type Channel struct {
	ID       string
	Name     string
	IsMember bool
}

type User struct {
	ID   string
	Name string
}

// ConnectInfo describes the session after a successful connect.
type ConnectInfo struct {
	Self     User
	Channels []Channel
	Users    []User
}

// FindUser returns the user with the given name.
func (ci ConnectInfo) FindUser(name string) (User, bool) {
	for _, u := range ci.Users {
		if u.Name == name {
			return u, true
		}
	}
	return User{}, false
}

// FirstChannel returns the first joined channel, falling back to the first listed.
func (ci ConnectInfo) FirstChannel() (Channel, bool) {
	for _, c := range ci.Channels {
		if c.IsMember {
			return c, true
		}
	}
	if len(ci.Channels) > 0 {
		return ci.Channels[0], true
	}
	return Channel{}, false
}

type PostOptions struct {
	AsUser         bool
	DisablePreview bool
}

// Session is the chat platform capability the bot is built on.
type Session interface {
	Name() string
	// Connect establishes the session and returns the bot identity and channel list.
	Connect(ctx context.Context) (ConnectInfo, error)
	// Run delivers events until ctx is done or the connection breaks.
	// Implementations reconnect internally and emit EventConnected after each reconnect.
	Run(ctx context.Context, out chan<- Event) error
	PostMessage(ctx context.Context, channel, text string, opt *PostOptions) error
	Close() error
}
