package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Layers(t *testing.T) {
	dir := t.TempDir()
	yml := writeFile(t, dir, "claimsync.yaml", `
mailbox:
  dir: /data/fotos
telegram:
  token: from-yaml
  allowed_chats: [10, 20]
vision:
  model: custom-model
  timeout: 45s
portal:
  company: Clinica
  selectors:
    table: "#grid"
upload:
  verify_timeout: 1m
window: service_month
`)
	env := writeFile(t, dir, ".env", "BOT_TOKEN=from-dotenv\nCPF_TALUDE=123\nPORTAL_CODE=77\nPASSWORD=secret\n")
	t.Setenv("BOT_TOKEN", "from-env")
	t.Setenv("HEADLESS", "false")

	c, err := Load(yml, env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Telegram.Token != "from-env" {
		t.Fatalf("token = %q, process env must win", c.Telegram.Token)
	}
	if c.Portal.CPF != "123" || c.Portal.Code != "77" || c.Portal.Password != "secret" {
		t.Fatalf("portal credentials = %+v", c.Portal)
	}
	if c.Mailbox.Dir != "/data/fotos" || c.Vision.Model != "custom-model" || c.Vision.Timeout != 45*time.Second {
		t.Fatalf("config = %+v", c)
	}
	if c.Upload.VerifyTimeout != time.Minute || c.Window != "service_month" {
		t.Fatalf("upload = %+v, window = %q", c.Upload, c.Window)
	}
	if c.Portal.Company != "Clinica" || c.Portal.Selectors.Table != "#grid" || c.Portal.Selectors.CPF == "" {
		t.Fatalf("portal = %+v", c.Portal)
	}
	if c.Portal.Browser.HeadlessOrDefault() {
		t.Fatal("HEADLESS=false ignored")
	}
	if len(c.Telegram.AllowedChats) != 2 || c.Telegram.AllowedChats[1] != 20 {
		t.Fatalf("allowed chats = %v", c.Telegram.AllowedChats)
	}
	if err := c.Validate(ModeSync); err != nil {
		t.Fatalf("Validate(sync): %v", err)
	}
}

func TestLoad_NoFiles(t *testing.T) {
	c, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Mailbox.Dir != "fotos" || c.LogLevel != "info" || c.Telegram.PollTimeout != 30*time.Second {
		t.Fatalf("defaults = %+v", c)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bad.yaml", "mailbox: [unclosed")
	if _, err := Load(p, ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("HEADLESS", "maybe")
	if _, err := Load("", ""); err == nil || !strings.Contains(err.Error(), "HEADLESS") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	c := Defaults()
	err := c.Validate(ModeBot)
	if err == nil || !strings.Contains(err.Error(), "BOT_TOKEN") || !strings.Contains(err.Error(), "VISION_API_KEY") {
		t.Fatalf("bot err = %v", err)
	}
	if err := c.Validate(ModeSync); err == nil || !strings.Contains(err.Error(), "portal.cpf") {
		t.Fatalf("sync err = %v", err)
	}

	c.Telegram.Token, c.Vision.APIKey = "t", "k"
	if err := c.Validate(ModeBot); err != nil {
		t.Fatalf("bot: %v", err)
	}
	c.Telegram.WebhookURL = "https://bot.example/hook"
	if err := c.Validate(ModeBot); err == nil {
		t.Fatal("webhook without secret accepted")
	}

	c.LogLevel = "loud"
	if err := c.Validate(ModeBot); err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate_SlotColumns(t *testing.T) {
	c := Defaults()
	c.Portal.CPF, c.Portal.Code, c.Portal.Password = "1", "2", "3"
	if err := c.Validate(ModeSync); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	c.Portal.Columns.GTO.Marker = ""
	if err := c.Validate(ModeSync); err == nil || !strings.Contains(err.Error(), "share column") {
		t.Fatalf("err = %v, want shared-column error", err)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
}

func TestParseChatIDs(t *testing.T) {
	ids, err := parseChatIDs("1, -1002, 3")
	if err != nil || len(ids) != 3 || ids[1] != -1002 {
		t.Fatalf("ids = %v, %v", ids, err)
	}
	if _, err := parseChatIDs("x"); err == nil {
		t.Fatal("expected error")
	}
}
