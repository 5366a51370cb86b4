// CLAUDE:SUMMARY Per-conversation capture workflow: image -> extract -> validate -> confirm/edit/retry -> document type -> encode key -> store artifact, driven by an explicit transition table.
// Package capture turns photos received in a chat into mailbox artifacts.
//
// Each conversation has its own session:
//
//	AwaitingImage -> AwaitingFieldConfirmation -> [AwaitingDocumentType] -> AwaitingImage
//
// AwaitingImage is both initial and resting state. Any failure (extraction,
// encoding, storage) is reported to the operator and returns the session to
// AwaitingImage; other sessions are never touched. Cancel drops the session.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/claimsync/claim"
)

// State is the position of a session in the capture workflow.
type State int

const (
	AwaitingImage State = iota
	AwaitingFieldConfirmation
	AwaitingDocumentType
)

func (s State) String() string {
	switch s {
	case AwaitingImage:
		return "awaiting_image"
	case AwaitingFieldConfirmation:
		return "awaiting_field_confirmation"
	case AwaitingDocumentType:
		return "awaiting_document_type"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind classifies inbound events.
type EventKind int

const (
	EventStart EventKind = iota
	EventImage
	EventText
	EventChoice
	EventCancel
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventImage:
		return "image"
	case EventText:
		return "text"
	case EventChoice:
		return "choice"
	case EventCancel:
		return "cancel"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Choice values carried by EventChoice.
const (
	ChoiceConfirm = "confirm"
	ChoiceRetry   = "retry"
	ChoiceCancel  = "cancel"
	// ChoiceTypePrefix precedes a document type, as in "type:RX".
	ChoiceTypePrefix = "type:"
)

// Event is one inbound signal for a conversation.
type Event struct {
	Kind EventKind
	// EventImage
	Image     []byte
	MediaType string
	Ext       string
	Caption   string
	// EventText
	Text string
	// EventChoice
	Choice string
	// PromptID is the prompt whose button was pressed. A press on an older
	// prompt is ignored.
	PromptID string
}

// Extractor reads claim fields out of an image.
type Extractor interface {
	Extract(ctx context.Context, image []byte, mediaType string) (claim.Fields, error)
}

// Store persists an artifact under its key.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Replier talks back to the operator.
type Replier interface {
	// Reply sends a prompt and returns its ID.
	Reply(ctx context.Context, conv string, p Prompt) (string, error)
	// Edit replaces a previously sent prompt.
	Edit(ctx context.Context, conv, id string, p Prompt) error
}

type session struct {
	state     State
	image     []byte
	mediaType string
	ext       string
	fields    claim.Fields
	docType   claim.DocType
	promptID  string
	ended     bool
}

func (s *session) reset() {
	s.image, s.mediaType, s.ext = nil, "", ""
	s.fields = claim.Fields{}
	s.docType = ""
	s.promptID = ""
}

// Machine runs the capture workflow for every conversation. Events of one
// conversation are handled one at a time; conversations run independently.
type Machine struct {
	extractor Extractor
	store     Store
	reply     Replier
	logger    *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation
}

// conversation serialises the events of one chat. refs counts the Handle
// calls holding or waiting for mu, so the entry can go once it is zero and
// no session is left. refs, session and session.state are guarded by
// Machine.mu.
type conversation struct {
	mu      sync.Mutex
	refs    int
	session *session
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New returns a Machine.
func New(ext Extractor, store Store, reply Replier, opts ...Option) *Machine {
	m := &Machine{
		extractor: ext,
		store:     store,
		reply:     reply,
		logger:    slog.Default(),
		convs:     make(map[string]*conversation),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the state of a conversation (AwaitingImage when it has no
// session).
func (m *Machine) State(conv string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conv]; ok && c.session != nil {
		return c.session.state
	}
	return AwaitingImage
}

// Sessions returns the number of live sessions.
func (m *Machine) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.convs {
		if c.session != nil {
			n++
		}
	}
	return n
}

type transition func(m *Machine, ctx context.Context, conv string, s *session, ev Event) (State, error)

// transitions is the whole workflow: state x event -> handler. A missing
// entry is a programming error.
var transitions = map[State]map[EventKind]transition{
	AwaitingImage: {
		EventStart:  (*Machine).greet,
		EventImage:  (*Machine).receiveImage,
		EventText:   (*Machine).askForImage,
		EventChoice: (*Machine).staleChoice,
		EventCancel: (*Machine).cancel,
	},
	AwaitingFieldConfirmation: {
		EventStart:  (*Machine).greet,
		EventImage:  (*Machine).receiveImage,
		EventText:   (*Machine).editField,
		EventChoice: (*Machine).confirmChoice,
		EventCancel: (*Machine).cancel,
	},
	AwaitingDocumentType: {
		EventStart:  (*Machine).greet,
		EventImage:  (*Machine).receiveImage,
		EventText:   (*Machine).typedDocType,
		EventChoice: (*Machine).docTypeChoice,
		EventCancel: (*Machine).cancel,
	},
}

// Handle feeds one event to a conversation. The returned error is a
// failure to reply; workflow failures are reported to the operator instead.
func (m *Machine) Handle(ctx context.Context, conv string, ev Event) error {
	c := m.enter(conv)
	defer m.leave(conv, c)
	c.mu.Lock()
	defer c.mu.Unlock()

	s := m.sessionOf(c)
	tr, ok := transitions[s.state][ev.Kind]
	if !ok {
		return fmt.Errorf("capture: no transition from %s on %s", s.state, ev.Kind)
	}

	from := s.state
	next, err := tr(m, ctx, conv, s, ev)

	m.mu.Lock()
	if s.ended {
		c.session = nil
	} else {
		s.state = next
	}
	m.mu.Unlock()

	if s.ended {
		m.logger.InfoContext(ctx, "capture: session cancelled", "conversation", conv)
		return err
	}
	if from != next {
		m.logger.DebugContext(ctx, "capture: transition",
			"conversation", conv, "from", from.String(), "to", next.String(), "event", ev.Kind.String())
	}
	return err
}

// enter registers a Handle call on conv before it waits for the
// conversation lock.
func (m *Machine) enter(conv string) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conv]
	if !ok {
		c = &conversation{}
		m.convs[conv] = c
	}
	c.refs++
	return c
}

// leave undoes enter and forgets the conversation when nothing refers to it.
func (m *Machine) leave(conv string, c *conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.refs--
	if c.refs == 0 && c.session == nil {
		delete(m.convs, conv)
	}
}

// sessionOf returns c's session, creating it in AwaitingImage. The caller
// holds c.mu.
func (m *Machine) sessionOf(c *conversation) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.session == nil {
		c.session = &session{state: AwaitingImage}
	}
	return c.session
}

func (m *Machine) say(ctx context.Context, conv, text string) error {
	_, err := m.reply.Reply(ctx, conv, Prompt{Text: text})
	return err
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func (m *Machine) greet(ctx context.Context, conv string, s *session, _ Event) (State, error) {
	s.reset()
	return AwaitingImage, m.say(ctx, conv, msgGreeting)
}

func (m *Machine) askForImage(ctx context.Context, conv string, _ *session, _ Event) (State, error) {
	return AwaitingImage, m.say(ctx, conv, msgSendImage)
}

func (m *Machine) staleChoice(ctx context.Context, conv string, _ *session, _ Event) (State, error) {
	return AwaitingImage, m.say(ctx, conv, msgNothingPending)
}

func (m *Machine) cancel(ctx context.Context, conv string, s *session, _ Event) (State, error) {
	s.reset()
	s.ended = true
	return AwaitingImage, m.say(ctx, conv, msgCancelled)
}

func (m *Machine) retry(ctx context.Context, conv string, s *session) (State, error) {
	s.reset()
	return AwaitingImage, m.say(ctx, conv, msgRetry)
}

// receiveImage starts a new capture; any capture in progress is dropped.
func (m *Machine) receiveImage(ctx context.Context, conv string, s *session, ev Event) (State, error) {
	s.reset()

	ext := ev.Ext
	if !claim.IsImageExt(ext) {
		ext = claim.ExtFromMediaType(ev.MediaType)
	}
	mediaType := ev.MediaType
	if mediaType == "" {
		mediaType = claim.MediaTypeFromExt(ext)
	}

	fields, err := m.extractor.Extract(ctx, ev.Image, mediaType)
	if err != nil {
		m.logger.WarnContext(ctx, "capture: extraction failed", "conversation", conv, "error", err)
		return AwaitingImage, m.say(ctx, conv, msgExtractionFailed)
	}

	s.image, s.mediaType, s.ext, s.fields = ev.Image, mediaType, ext, fields
	if dt, ok := claim.DocTypeFromCaption(ev.Caption); ok {
		s.docType = dt
	}

	id, err := m.reply.Reply(ctx, conv, confirmationPrompt(s.fields, s.docType))
	s.promptID = id
	return AwaitingFieldConfirmation, err
}

func (m *Machine) editField(ctx context.Context, conv string, s *session, ev Event) (State, error) {
	field, value, ok := ParseEdit(ev.Text)
	if !ok {
		return AwaitingFieldConfirmation, m.say(ctx, conv, msgEditHelp)
	}
	var v *string
	if value != "" {
		v = claim.Str(value)
	}
	switch field {
	case claim.FieldSubjectName:
		s.fields.SubjectName = v
	case claim.FieldAccessCode:
		s.fields.AccessCode = v
	case claim.FieldServiceDate:
		s.fields.ServiceDate = v
	case claim.FieldAmount:
		s.fields.Amount = v
	}
	return AwaitingFieldConfirmation, m.refresh(ctx, conv, s, confirmationPrompt(s.fields, s.docType))
}

// refresh edits the current prompt in place, or sends a new one when there
// is nothing to edit or the edit fails.
func (m *Machine) refresh(ctx context.Context, conv string, s *session, p Prompt) error {
	if s.promptID != "" {
		err := m.reply.Edit(ctx, conv, s.promptID, p)
		if err == nil {
			return nil
		}
		m.logger.WarnContext(ctx, "capture: edit prompt", "conversation", conv, "error", err)
	}
	id, err := m.reply.Reply(ctx, conv, p)
	s.promptID = id
	return err
}

func (m *Machine) isStale(s *session, ev Event) bool {
	return ev.PromptID != "" && s.promptID != "" && ev.PromptID != s.promptID
}

func (m *Machine) confirmChoice(ctx context.Context, conv string, s *session, ev Event) (State, error) {
	if m.isStale(s, ev) {
		return AwaitingFieldConfirmation, m.say(ctx, conv, msgStaleButton)
	}
	switch ev.Choice {
	case ChoiceConfirm:
		if s.docType != "" {
			return m.persist(ctx, conv, s)
		}
		id, err := m.reply.Reply(ctx, conv, docTypePrompt())
		s.promptID = id
		return AwaitingDocumentType, err
	case ChoiceRetry:
		return m.retry(ctx, conv, s)
	case ChoiceCancel:
		return m.cancel(ctx, conv, s, ev)
	}
	return AwaitingFieldConfirmation, m.say(ctx, conv, msgUnknownChoice)
}

func (m *Machine) docTypeChoice(ctx context.Context, conv string, s *session, ev Event) (State, error) {
	if m.isStale(s, ev) {
		return AwaitingDocumentType, m.say(ctx, conv, msgStaleButton)
	}
	switch ev.Choice {
	case ChoiceRetry:
		return m.retry(ctx, conv, s)
	case ChoiceCancel:
		return m.cancel(ctx, conv, s, ev)
	}
	if len(ev.Choice) > len(ChoiceTypePrefix) && ev.Choice[:len(ChoiceTypePrefix)] == ChoiceTypePrefix {
		if dt, err := claim.ParseDocType(ev.Choice[len(ChoiceTypePrefix):]); err == nil {
			s.docType = dt
			return m.persist(ctx, conv, s)
		}
	}
	return AwaitingDocumentType, m.say(ctx, conv, msgUnknownChoice)
}

func (m *Machine) typedDocType(ctx context.Context, conv string, s *session, ev Event) (State, error) {
	dt, err := claim.ParseDocType(ev.Text)
	if err != nil {
		return AwaitingDocumentType, m.say(ctx, conv, msgChooseType)
	}
	s.docType = dt
	return m.persist(ctx, conv, s)
}

// persist encodes the record and stores the image under its key. Either
// way the session goes back to AwaitingImage.
func (m *Machine) persist(ctx context.Context, conv string, s *session) (State, error) {
	defer s.reset()

	rec, err := claim.Build(s.fields, s.docType, s.ext)
	if err == nil {
		var key string
		if key, err = claim.EncodeKey(rec); err == nil {
			if _, err = m.store.Put(ctx, key, s.image); err == nil {
				m.logger.InfoContext(ctx, "capture: artifact stored", "conversation", conv, "key", key)
				if s.promptID != "" {
					if e := m.reply.Edit(ctx, conv, s.promptID, summaryPrompt(rec)); e != nil {
						m.logger.DebugContext(ctx, "capture: close prompt", "conversation", conv, "error", e)
					}
				}
				_, err := m.reply.Reply(ctx, conv, storedPrompt(key))
				return AwaitingImage, err
			}
			m.logger.ErrorContext(ctx, "capture: store artifact", "conversation", conv, "key", key, "error", err)
			return AwaitingImage, m.say(ctx, conv, msgStoreFailed)
		}
	}
	m.logger.WarnContext(ctx, "capture: encode record", "conversation", conv, "error", err)
	_, rerr := m.reply.Reply(ctx, conv, encodeFailedPrompt(err))
	return AwaitingImage, rerr
}
