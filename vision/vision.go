// CLAUDE:SUMMARY Vision-model field extractor: one image in, claim.Fields out, sentinel markers folded to nil, every failure tagged as *ExtractionError.
// Package vision reads the four claim fields out of a photographed form by
// calling a messages-style vision API.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/connectivity"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the messages API URL.
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// MaxTokens bounds the reply. Default: 300.
	MaxTokens int `yaml:"max_tokens"`
	// Timeout bounds one attempt. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries for transient failures (5xx, 429, network). Default: 2;
	// negative disables retries.
	MaxRetries int `yaml:"max_retries"`
	// Backoff before the first retry. Default: 1s.
	Backoff time.Duration `yaml:"backoff"`
}

// DefaultEndpoint is the messages API used when Config.Endpoint is empty.
const DefaultEndpoint = "https://api.anthropic.com/v1/messages"

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-5"

const apiVersion = "2023-06-01"

func (c *Config) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 300
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
}

// Client extracts claim fields from images. Safe for concurrent use.
type Client struct {
	cfg  Config
	call connectivity.Handler
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds a Client. The API key is required.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.defaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision: API key is required")
	}
	o := options{logger: slog.Default(), httpClient: &http.Client{}}
	for _, fn := range opts {
		fn(&o)
	}

	header := http.Header{}
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", apiVersion)

	breaker := connectivity.NewCircuitBreaker(connectivity.BreakerConfig{Threshold: 5, Cooldown: time.Minute})
	call := connectivity.Chain(
		connectivity.Logging(o.logger, "vision"),
		connectivity.Recovery(o.logger),
		connectivity.WithCircuitBreaker(breaker, "vision", connectivity.Retryable),
		connectivity.WithRetry(connectivity.RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.Backoff}, o.logger),
		connectivity.Timeout(cfg.Timeout),
	)(connectivity.HTTPHandler(o.httpClient, "vision", connectivity.JSONPost(cfg.Endpoint, header)))

	return &Client{cfg: cfg, call: call}, nil
}

const instructions = `Esta imagem é um formulário de atendimento odontológico.
Extraia exatamente estes quatro campos e responda somente com um objeto JSON:
{"name": nome do paciente, "access_code": código/senha de acesso, "date": data do atendimento no formato DD/MM/AAAA, "amount": valor cobrado como aparece no papel}
Use null para qualquer campo ilegível ou ausente. Não invente valores.`

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Extract sends one image and returns the fields it carries. Every failure,
// transport or structural, is an *ExtractionError.
func (c *Client) Extract(ctx context.Context, image []byte, mediaType string) (claim.Fields, error) {
	if len(image) == 0 {
		return claim.Fields{}, &ExtractionError{Reason: "empty image"}
	}
	if mediaType == "" {
		mediaType = "image/jpeg"
	}

	body, err := json.Marshal(request{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []message{{
			Role: "user",
			Content: []contentBlock{
				{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: mediaType,
					Data:      base64.StdEncoding.EncodeToString(image),
				}},
				{Type: "text", Text: instructions},
			},
		}},
	})
	if err != nil {
		return claim.Fields{}, &ExtractionError{Reason: "encode request", Cause: err}
	}

	raw, err := c.call(ctx, body)
	if err != nil {
		return claim.Fields{}, &ExtractionError{Reason: "vision API unreachable", Cause: err}
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return claim.Fields{}, &ExtractionError{Reason: "malformed API response", Cause: err}
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return claim.Fields{}, &ExtractionError{Reason: "no text in API response"}
	}
	return ParseFields(text.String())
}

// ParseFields decodes the model's JSON answer. The object must carry the four
// keys (access_code may also appear as password_code or senha); each value is
// a string, a number (kept as its literal text) or null. Sentinel markers are
// folded to nil.
func ParseFields(text string) (claim.Fields, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleanMarkdownWrapper(text)), &obj); err != nil {
		return claim.Fields{}, &ExtractionError{Reason: "reply is not a JSON object", Cause: err}
	}

	var f claim.Fields
	targets := []struct {
		dst  **string
		keys []string
	}{
		{&f.SubjectName, []string{"name"}},
		{&f.AccessCode, []string{"access_code", "accessCode", "password_code", "senha"}},
		{&f.ServiceDate, []string{"date"}},
		{&f.Amount, []string{"amount"}},
	}
	for _, t := range targets {
		raw, key, ok := lookup(obj, t.keys)
		if !ok {
			return claim.Fields{}, &ExtractionError{Reason: fmt.Sprintf("reply lacks key %q", t.keys[0])}
		}
		v, err := scalar(raw)
		if err != nil {
			return claim.Fields{}, &ExtractionError{Reason: fmt.Sprintf("key %q is not a string or null", key), Cause: err}
		}
		*t.dst = normalize(v)
	}
	return f, nil
}

func lookup(obj map[string]json.RawMessage, keys []string) (json.RawMessage, string, bool) {
	for _, k := range keys {
		if raw, ok := obj[k]; ok {
			return raw, k, true
		}
	}
	return nil, "", false
}

// scalar returns the value's text, or nil for JSON null.
func scalar(raw json.RawMessage) (*string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		s := n.String()
		return &s, nil
	}
	return nil, fmt.Errorf("unexpected JSON value %s", trimmed)
}

// normalize folds the "unknown" sentinels to nil.
func normalize(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	switch strings.ToLower(s) {
	case "", "null", "n/a":
		return nil
	}
	return &s
}

// cleanMarkdownWrapper strips a ```json fence the model sometimes adds.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
