// CLAUDE:SUMMARY Layered claimsync configuration: defaults, YAML file, .env file, then environment variables; Validate checks what each command needs.
// Package config loads claimsync settings.
//
// Sources, later wins: built-in defaults, the YAML file, the .env file,
// the process environment. The .env file never overrides a variable that
// is already set in the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/claimsync/channels"
	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/portal"
	"github.com/hazyhaar/claimsync/upload"
	"github.com/hazyhaar/claimsync/vision"
)

// Config is the top-level configuration.
type Config struct {
	Mailbox  MailboxConfig           `yaml:"mailbox"`
	Telegram channels.TelegramConfig `yaml:"telegram"`
	Vision   vision.Config           `yaml:"vision"`
	Portal   portal.Config           `yaml:"portal"`
	Upload   upload.Config           `yaml:"upload"`
	Journal  JournalConfig           `yaml:"journal"`
	// Window selects the listing filter month: previous_month (default) or
	// service_month.
	Window   string `yaml:"window"`
	LogLevel string `yaml:"log_level"`
}

// MailboxConfig locates the artifact directory shared by bot and sync.
type MailboxConfig struct {
	Dir string `yaml:"dir"`
}

// JournalConfig enables the optional run journal.
type JournalConfig struct {
	// Path of the SQLite database. Empty disables the journal.
	Path string `yaml:"path"`
}

// Mode names the command a configuration is validated for.
type Mode string

const (
	ModeBot  Mode = "bot"
	ModeSync Mode = "sync"
)

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	c := &Config{}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Mailbox.Dir == "" {
		c.Mailbox.Dir = "fotos"
	}
	c.Telegram.Defaults()
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Portal.Defaults()
}

// Load reads the YAML file at path (optional: "" skips it) and the .env
// file at envFile (a missing file is ignored), then applies the process
// environment and defaults.
func Load(path, envFile string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := c.applyEnv(lookup); err != nil {
		return nil, err
	}
	c.defaults()
	return c, nil
}

// envVars maps variable names to setters. Several names per setting keep
// older deployments working.
var envVars = []struct {
	names []string
	set   func(c *Config, v string) error
}{
	{[]string{"BOT_TOKEN", "TELEGRAM_TOKEN"}, func(c *Config, v string) error { c.Telegram.Token = v; return nil }},
	{[]string{"VISION_API_KEY", "ANTHROPIC_API_KEY"}, func(c *Config, v string) error { c.Vision.APIKey = v; return nil }},
	{[]string{"PORTAL_CPF", "CPF_TALUDE"}, func(c *Config, v string) error { c.Portal.CPF = v; return nil }},
	{[]string{"PORTAL_CODE", "COD_UNIODONTO"}, func(c *Config, v string) error { c.Portal.Code = v; return nil }},
	{[]string{"PORTAL_PASSWORD", "PASSWORD"}, func(c *Config, v string) error { c.Portal.Password = v; return nil }},
	{[]string{"MAILBOX_DIR"}, func(c *Config, v string) error { c.Mailbox.Dir = v; return nil }},
	{[]string{"JOURNAL_DB"}, func(c *Config, v string) error { c.Journal.Path = v; return nil }},
	{[]string{"LOG_LEVEL"}, func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{[]string{"BROWSER_URL"}, func(c *Config, v string) error { c.Portal.Browser.RemoteURL = v; return nil }},
	{[]string{"WEBHOOK_URL"}, func(c *Config, v string) error { c.Telegram.WebhookURL = v; return nil }},
	{[]string{"WEBHOOK_SECRET"}, func(c *Config, v string) error { c.Telegram.WebhookSecret = v; return nil }},
	{[]string{"HEADLESS"}, func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HEADLESS: %w", err)
		}
		c.Portal.Browser.Headless = &b
		return nil
	}},
	{[]string{"ALLOWED_CHATS"}, func(c *Config, v string) error {
		ids, err := parseChatIDs(v)
		if err != nil {
			return fmt.Errorf("ALLOWED_CHATS: %w", err)
		}
		c.Telegram.AllowedChats = ids
		return nil
	}},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		for _, name := range ev.names {
			v, ok := lookup(name)
			if !ok || v == "" {
				continue
			}
			if err := ev.set(c, v); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			break
		}
	}
	return nil
}

func parseChatIDs(s string) ([]int64, error) {
	var ids []int64
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate reports every setting missing for mode, joined in one error.
func (c *Config) Validate(mode Mode) error {
	var errs []error
	if c.Mailbox.Dir == "" {
		errs = append(errs, errors.New("mailbox.dir is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch mode {
	case ModeBot:
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("telegram.token (BOT_TOKEN) is required"))
		}
		if c.Vision.APIKey == "" {
			errs = append(errs, errors.New("vision.api_key (VISION_API_KEY) is required"))
		}
		if c.Telegram.WebhookURL != "" && c.Telegram.WebhookSecret == "" {
			errs = append(errs, errors.New("telegram.webhook_secret is required with a webhook"))
		}
	case ModeSync:
		if c.Portal.CPF == "" || c.Portal.Code == "" || c.Portal.Password == "" {
			errs = append(errs, errors.New("portal.cpf, portal.code and portal.password are required"))
		}
		if _, err := ledger.ParsePolicy(c.Window); err != nil {
			errs = append(errs, err)
		}
		if err := c.Portal.Columns.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a log_level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}
