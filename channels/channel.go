// Package channels connects claimsync to chat platforms.
//
// While connectivity handles synchronous request-response calls (bytes in,
// bytes out), channels handles event-driven connections where messages
// arrive unprompted (inbound) and replies are pushed back (outbound).
//
//	tg, _ := channels.NewTelegram("tg", cfg, channels.WithTelegramLogger(logger))
//	d := channels.NewDispatcher(handler, channels.WithLogger(logger))
//	d.Start("tg", tg)
//	defer d.Close()
package channels

import (
	"context"
	"time"
)

// Direction indicates whether a message is inbound (received from a user)
// or outbound (sent by the system).
type Direction int

const (
	Inbound  Direction = iota // Message received from a platform user.
	Outbound                  // Message sent to a platform user.
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Message is a platform-normalized inbound or outbound message.
type Message struct {
	ID          string    `json:"id"`
	ChannelName string    `json:"channel"`
	Platform    string    `json:"platform"`
	Direction   Direction `json:"direction"`
	// ChatID is the conversation: where an inbound message came from and
	// where an outbound one goes.
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id,omitempty"`
	Text     string `json:"text"`
	// HTML marks Text as HTML (outbound only).
	HTML        bool         `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Callback is set when the user pressed an inline button.
	Callback *Callback `json:"callback,omitempty"`
	// Buttons is an inline keyboard, one slice per row (outbound only).
	Buttons [][]Button `json:"buttons,omitempty"`
	// EditID, when set on an outbound message, replaces that message's
	// text and keyboard instead of sending a new one.
	EditID    string            `json:"edit_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Attachment is a media file attached to an inbound message.
type Attachment struct {
	Type     string `json:"type"`    // "image", "document"
	FileID   string `json:"file_id"` // platform handle, resolved by Fetch
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Callback is an inline-button press.
type Callback struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	MessageID string `json:"message_id"` // the message carrying the keyboard
}

// Button is one inline-keyboard button.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// File is a downloaded attachment. Path is the platform's file path, whose
// extension hints at the format.
type File struct {
	Path string
	Data []byte
}

// ChannelStatus describes the current state of a channel connection.
type ChannelStatus struct {
	Connected   bool      `json:"connected"`
	Platform    string    `json:"platform"`
	Mode        string    `json:"mode"` // "polling", "webhook"
	LastMessage time.Time `json:"last_message"`
	Error       string    `json:"error,omitempty"`
}

// Channel is a bidirectional connection to a messaging platform.
type Channel interface {
	// Listen returns a read-only channel of inbound messages. It is closed
	// when ctx is cancelled or Close is called.
	Listen(ctx context.Context) <-chan Message

	// Send pushes an outbound message and returns its platform ID.
	Send(ctx context.Context, msg Message) (string, error)

	// Fetch downloads an inbound attachment.
	Fetch(ctx context.Context, a Attachment) (File, error)

	// Status returns the current connection status.
	Status() ChannelStatus

	// Close shuts down the connection. After Close, the channel returned by
	// Listen is closed.
	Close() error
}

// InboundHandler processes an inbound message and returns zero or more
// outbound replies, sent back through the same channel.
type InboundHandler func(ctx context.Context, msg Message) ([]Message, error)
