// CLAUDE:SUMMARY Telegram Bot API channel: long polling or webhook delivery, largest-photo selection, inline keyboards, message edits, file download via connectivity handlers.
package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/claimsync/connectivity"
)

const telegramPlatform = "telegram"

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	// Token is the bot API token from @BotFather.
	Token string `yaml:"token"`
	// APIBase is the Bot API root. Default: https://api.telegram.org.
	APIBase string `yaml:"api_base"`
	// AllowedChats restricts the bot to these chat IDs. Empty allows all.
	AllowedChats []int64 `yaml:"allowed_chats"`
	// WebhookURL, if set, switches from long polling to webhook delivery.
	// Must be a publicly reachable HTTPS URL.
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	// Listen is the webhook server address. Default: :8080.
	Listen string `yaml:"listen"`
	// PollTimeout is the getUpdates long-poll duration. Default: 30s.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// Defaults fills zero values.
func (c *TelegramConfig) Defaults() {
	if c.APIBase == "" {
		c.APIBase = "https://api.telegram.org"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
}

// Allowed reports whether chatID may talk to the bot.
func (c TelegramConfig) Allowed(chatID int64) bool {
	if len(c.AllowedChats) == 0 {
		return true
	}
	for _, id := range c.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

var telegramMethods = []string{
	"getUpdates", "sendMessage", "editMessageText", "answerCallbackQuery",
	"getFile", "setWebhook", "deleteWebhook",
}

// Telegram implements Channel over the Telegram Bot API.
type Telegram struct {
	name     string
	cfg      TelegramConfig
	logger   *slog.Logger
	api      map[string]connectivity.Handler
	download connectivity.Handler

	inbox   chan Message
	closeCh chan struct{}
	offset  int64 // poll goroutine only

	mu     sync.Mutex
	closed bool
	status ChannelStatus
}

// TelegramOption configures a Telegram channel.
type TelegramOption func(*telegramOptions)

type telegramOptions struct {
	client *http.Client
	logger *slog.Logger
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) TelegramOption {
	return func(o *telegramOptions) { o.client = c }
}

// WithTelegramLogger sets the logger. Default: slog.Default().
func WithTelegramLogger(l *slog.Logger) TelegramOption {
	return func(o *telegramOptions) { o.logger = l }
}

// NewTelegram builds a Telegram channel. The token is required.
func NewTelegram(name string, cfg TelegramConfig, opts ...TelegramOption) (*Telegram, error) {
	cfg.Defaults()
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	o := telegramOptions{client: &http.Client{}, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	mode := "polling"
	if cfg.WebhookURL != "" {
		mode = "webhook"
	}
	t := &Telegram{
		name:    name,
		cfg:     cfg,
		logger:  o.logger.With("channel", name),
		api:     make(map[string]connectivity.Handler, len(telegramMethods)),
		inbox:   make(chan Message, 64),
		closeCh: make(chan struct{}),
		status:  ChannelStatus{Platform: telegramPlatform, Mode: mode},
	}

	base := strings.TrimRight(cfg.APIBase, "/")
	for _, m := range telegramMethods {
		chain := []connectivity.HandlerMiddleware{
			connectivity.Logging(t.logger, "telegram."+m),
			connectivity.Recovery(t.logger),
		}
		timeout := 15 * time.Second
		if m == "getUpdates" {
			timeout = cfg.PollTimeout + 10*time.Second
		} else {
			chain = append(chain, connectivity.WithRetry(connectivity.RetryPolicy{MaxRetries: 2}, t.logger))
		}
		chain = append(chain, connectivity.Timeout(timeout))
		t.api[m] = connectivity.Chain(chain...)(
			connectivity.HTTPHandler(o.client, "telegram", connectivity.JSONPost(base+"/bot"+cfg.Token+"/"+m, nil)))
	}

	t.download = connectivity.Chain(
		connectivity.Logging(t.logger, "telegram.download"),
		connectivity.Recovery(t.logger),
		connectivity.WithRetry(connectivity.RetryPolicy{MaxRetries: 2}, t.logger),
		connectivity.Timeout(time.Minute),
	)(connectivity.HTTPHandler(o.client, "telegram", func(ctx context.Context, path []byte) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, base+"/file/bot"+cfg.Token+"/"+string(path), nil)
	}))

	return t, nil
}

// ---------------------------------------------------------------------------
// Bot API wire types
// ---------------------------------------------------------------------------

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type tgUpdate struct {
	UpdateID      int64       `json:"update_id"`
	Message       *tgMessage  `json:"message,omitempty"`
	CallbackQuery *tgCallback `json:"callback_query,omitempty"`
}

type tgMessage struct {
	MessageID int64         `json:"message_id"`
	Date      int64         `json:"date"`
	Chat      tgChat        `json:"chat"`
	From      *tgUser       `json:"from,omitempty"`
	Text      string        `json:"text,omitempty"`
	Caption   string        `json:"caption,omitempty"`
	Photo     []tgPhotoSize `json:"photo,omitempty"`
	Document  *tgDocument   `json:"document,omitempty"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type tgPhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type tgCallback struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message,omitempty"`
	Data    string     `json:"data"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendRequest struct {
	ChatID      string          `json:"chat_id"`
	MessageID   int64           `json:"message_id,omitempty"`
	Text        string          `json:"text"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

var allowedUpdates = []string{"message", "callback_query"}

// call invokes a Bot API method and decodes its result into out (nil to
// discard).
func (t *Telegram) call(ctx context.Context, method string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: marshal: %w", method, err)
	}
	body, err := t.api[method](ctx, payload)
	if err != nil {
		var se *connectivity.StatusError
		if errors.As(err, &se) {
			var r apiResponse
			if json.Unmarshal(se.Body, &r) == nil && r.Description != "" {
				return &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
			}
		}
		return err
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("telegram: %s: decode: %w", method, err)
	}
	if !r.OK {
		return &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
	}
	if out != nil {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// bestPhoto picks the largest of the sizes Telegram offers for one photo.
func bestPhoto(sizes []tgPhotoSize) (tgPhotoSize, bool) {
	if len(sizes) == 0 {
		return tgPhotoSize{}, false
	}
	best := sizes[0]
	for _, s := range sizes[1:] {
		switch {
		case s.FileSize > best.FileSize:
			best = s
		case s.FileSize == best.FileSize && s.Width*s.Height > best.Width*best.Height:
			best = s
		}
	}
	return best, true
}

// telegramMessage normalizes an update. The second return is false for
// updates that carry nothing usable.
func telegramMessage(name string, u tgUpdate) (Message, bool) {
	switch {
	case u.Message != nil:
		m := u.Message
		msg := Message{
			ID:          strconv.FormatInt(m.MessageID, 10),
			ChannelName: name,
			Platform:    telegramPlatform,
			Direction:   Inbound,
			ChatID:      strconv.FormatInt(m.Chat.ID, 10),
			Text:        m.Text,
			Timestamp:   time.Unix(m.Date, 0),
		}
		if m.From != nil {
			msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		}
		if p, ok := bestPhoto(m.Photo); ok {
			msg.Attachments = append(msg.Attachments, Attachment{
				Type: "image", FileID: p.FileID, MimeType: "image/jpeg", Caption: m.Caption, Size: p.FileSize,
			})
		}
		if d := m.Document; d != nil {
			kind := "document"
			if strings.HasPrefix(d.MimeType, "image/") {
				kind = "image"
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Type: kind, FileID: d.FileID, MimeType: d.MimeType, Caption: m.Caption, Filename: d.FileName, Size: d.FileSize,
			})
		}
		return msg, msg.Text != "" || len(msg.Attachments) > 0

	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		c := u.CallbackQuery
		return Message{
			ID:          c.ID,
			ChannelName: name,
			Platform:    telegramPlatform,
			Direction:   Inbound,
			ChatID:      strconv.FormatInt(c.Message.Chat.ID, 10),
			SenderID:    strconv.FormatInt(c.From.ID, 10),
			Callback: &Callback{
				ID:        c.ID,
				Data:      c.Data,
				MessageID: strconv.FormatInt(c.Message.MessageID, 10),
			},
			Timestamp: time.Now(),
		}, true
	}
	return Message{}, false
}

// deliver filters and queues one update for Listen.
func (t *Telegram) deliver(ctx context.Context, u tgUpdate) {
	msg, ok := telegramMessage(t.name, u)
	if !ok {
		return
	}
	chatID, _ := strconv.ParseInt(msg.ChatID, 10, 64)
	if !t.cfg.Allowed(chatID) {
		t.logger.WarnContext(ctx, "telegram: chat not allowed", "chat", msg.ChatID)
		return
	}
	if msg.Callback != nil {
		// stops the client spinner; the reply comes as a message edit
		if err := t.call(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": msg.Callback.ID}, nil); err != nil {
			t.logger.WarnContext(ctx, "telegram: answer callback", "error", err)
		}
	}

	t.mu.Lock()
	t.status.LastMessage = time.Now()
	t.mu.Unlock()

	select {
	case t.inbox <- msg:
	case <-ctx.Done():
	case <-t.closeCh:
	}
}

// Listen implements Channel. In polling mode it also starts the
// getUpdates loop; in webhook mode updates arrive through ServeHTTP.
func (t *Telegram) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message)
	if t.cfg.WebhookURL == "" {
		go t.poll(ctx)
	}
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closeCh:
				return
			case m := <-t.inbox:
				select {
				case out <- m:
				case <-ctx.Done():
					return
				case <-t.closeCh:
					return
				}
			}
		}
	}()
	return out
}

func (t *Telegram) poll(ctx context.Context) {
	if err := t.call(ctx, "deleteWebhook", map[string]any{}, nil); err != nil {
		t.logger.WarnContext(ctx, "telegram: delete webhook", "error", err)
	}
	t.setConnected(true, nil)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closeCh:
			return
		default:
		}

		var updates []tgUpdate
		err := t.call(ctx, "getUpdates", getUpdatesRequest{
			Offset:         t.offset,
			Timeout:        int(t.cfg.PollTimeout / time.Second),
			AllowedUpdates: allowedUpdates,
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.setConnected(false, err)
			t.logger.WarnContext(ctx, "telegram: poll failed", "error", err, "backoff", backoff.String())
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-t.closeCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if backoff != time.Second {
			t.setConnected(true, nil)
			backoff = time.Second
		}

		for _, u := range updates {
			t.offset = u.UpdateID + 1
			t.deliver(ctx, u)
		}
	}
}

// ServeHTTP receives webhook updates. The secret token header must match
// when a secret is configured.
func (t *Telegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if secret := t.cfg.WebhookSecret; secret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var u tgUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&u); err != nil {
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}
	t.deliver(r.Context(), u)
	w.WriteHeader(http.StatusOK)
}

// SetWebhook registers the configured webhook URL with Telegram.
func (t *Telegram) SetWebhook(ctx context.Context) error {
	if t.cfg.WebhookURL == "" {
		return fmt.Errorf("telegram: no webhook url configured")
	}
	req := map[string]any{
		"url":             t.cfg.WebhookURL,
		"allowed_updates": allowedUpdates,
	}
	if t.cfg.WebhookSecret != "" {
		req["secret_token"] = t.cfg.WebhookSecret
	}
	if err := t.call(ctx, "setWebhook", req, nil); err != nil {
		t.setConnected(false, err)
		return err
	}
	t.setConnected(true, nil)
	return nil
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send implements Channel. A message with EditID edits that message;
// editing to identical content is not an error.
func (t *Telegram) Send(ctx context.Context, msg Message) (string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", &ErrSendFailed{Channel: t.name, Platform: telegramPlatform, Cause: fmt.Errorf("channel closed")}
	}

	req := sendRequest{ChatID: msg.ChatID, Text: msg.Text}
	if msg.HTML {
		req.ParseMode = "HTML"
	}
	if len(msg.Buttons) > 0 {
		kb := &inlineKeyboard{}
		for _, row := range msg.Buttons {
			var r []inlineButton
			for _, b := range row {
				r = append(r, inlineButton{Text: b.Text, CallbackData: b.Data})
			}
			kb.InlineKeyboard = append(kb.InlineKeyboard, r)
		}
		req.ReplyMarkup = kb
	}

	method := "sendMessage"
	if msg.EditID != "" {
		id, err := strconv.ParseInt(msg.EditID, 10, 64)
		if err != nil {
			return "", &ErrSendFailed{Channel: t.name, Platform: telegramPlatform, Cause: fmt.Errorf("bad edit id %q", msg.EditID)}
		}
		req.MessageID = id
		method = "editMessageText"
	}

	var sent tgMessage
	if err := t.call(ctx, method, req, &sent); err != nil {
		var ae *APIError
		if msg.EditID != "" && errors.As(err, &ae) && strings.Contains(ae.Description, "message is not modified") {
			return msg.EditID, nil
		}
		return "", &ErrSendFailed{Channel: t.name, Platform: telegramPlatform, Cause: err}
	}

	t.mu.Lock()
	t.status.LastMessage = time.Now()
	t.mu.Unlock()

	if msg.EditID != "" {
		return msg.EditID, nil
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// Fetch implements Channel: getFile, then download the file path.
func (t *Telegram) Fetch(ctx context.Context, a Attachment) (File, error) {
	var f tgFile
	if err := t.call(ctx, "getFile", map[string]string{"file_id": a.FileID}, &f); err != nil {
		return File{}, err
	}
	if f.FilePath == "" {
		return File{}, fmt.Errorf("telegram: file %s has no path", a.FileID)
	}
	data, err := t.download(ctx, []byte(f.FilePath))
	if err != nil {
		return File{}, fmt.Errorf("telegram: download %s: %w", f.FilePath, err)
	}
	return File{Path: f.FilePath, Data: data}, nil
}

// Status implements Channel.
func (t *Telegram) Status() ChannelStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Telegram) setConnected(ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Connected = ok
	t.status.Error = ""
	if err != nil {
		t.status.Error = err.Error()
	}
}

// Close implements Channel.
func (t *Telegram) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.status.Connected = false
	return nil
}

var _ Channel = (*Telegram)(nil)
