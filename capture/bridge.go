package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/claimsync/channels"
	"github.com/hazyhaar/claimsync/claim"
)

// Bridge feeds chat messages from a channel into a Machine. Replies go out
// through the same channel as they are produced, so Handle never returns
// messages of its own.
type Bridge struct {
	ch      channels.Channel
	machine *Machine
	logger  *slog.Logger
}

// NewBridge wires a Machine to ch.
func NewBridge(ch channels.Channel, ext Extractor, store Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{ch: ch, logger: logger}
	b.machine = New(ext, store, channelReplier{ch: ch}, WithLogger(logger))
	return b
}

// Machine returns the underlying state machine.
func (b *Bridge) Machine() *Machine { return b.machine }

// Handle is a channels.InboundHandler.
func (b *Bridge) Handle(ctx context.Context, msg channels.Message) ([]channels.Message, error) {
	ev, ok, err := b.event(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return nil, b.machine.Handle(ctx, msg.ChatID, ev)
}

// event maps an inbound message to a capture event. ok is false when the
// message was answered directly.
func (b *Bridge) event(ctx context.Context, msg channels.Message) (Event, bool, error) {
	if msg.Callback != nil {
		return Event{Kind: EventChoice, Choice: msg.Callback.Data, PromptID: msg.Callback.MessageID}, true, nil
	}

	for _, a := range msg.Attachments {
		if a.Type != "image" {
			continue
		}
		f, err := b.ch.Fetch(ctx, a)
		if err != nil {
			b.logger.WarnContext(ctx, "capture: fetch attachment", "chat", msg.ChatID, "error", err)
			_, serr := b.ch.Send(ctx, channels.Message{ChatID: msg.ChatID, Text: msgExtractionFailed})
			return Event{}, false, serr
		}
		ext := claim.ExtFromPath(f.Path)
		mediaType := a.MimeType
		if mediaType == "" {
			mediaType = claim.MediaTypeFromExt(ext)
		}
		return Event{Kind: EventImage, Image: f.Data, MediaType: mediaType, Ext: ext, Caption: a.Caption}, true, nil
	}
	if len(msg.Attachments) > 0 {
		_, err := b.ch.Send(ctx, channels.Message{ChatID: msg.ChatID, Text: msgNotAnImage})
		return Event{}, false, err
	}

	text := strings.TrimSpace(msg.Text)
	switch command(text) {
	case "/start", "/ajuda", "/help":
		return Event{Kind: EventStart}, true, nil
	case "/cancel", "/cancelar":
		return Event{Kind: EventCancel}, true, nil
	}
	if text == "" {
		return Event{}, false, nil
	}
	return Event{Kind: EventText, Text: text}, true, nil
}

// command returns the leading bot command of text, without any @botname
// suffix, or "".
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd)
}

type channelReplier struct {
	ch channels.Channel
}

func (r channelReplier) Reply(ctx context.Context, conv string, p Prompt) (string, error) {
	return r.ch.Send(ctx, toMessage(conv, p))
}

func (r channelReplier) Edit(ctx context.Context, conv, id string, p Prompt) error {
	if id == "" {
		return fmt.Errorf("capture: edit without prompt id")
	}
	msg := toMessage(conv, p)
	msg.EditID = id
	_, err := r.ch.Send(ctx, msg)
	return err
}

func toMessage(conv string, p Prompt) channels.Message {
	msg := channels.Message{ChatID: conv, Direction: channels.Outbound, Text: p.Text}
	if p.HTML != "" {
		msg.Text, msg.HTML = p.HTML, true
	}
	for _, row := range p.Options {
		buttons := make([]channels.Button, len(row))
		for i, o := range row {
			buttons[i] = channels.Button{Text: o.Label, Data: o.Choice}
		}
		msg.Buttons = append(msg.Buttons, buttons)
	}
	return msg
}
