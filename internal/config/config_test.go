package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"telegram_token": "tok",
		"allowed_user_ids": [42, "99"],
		"approved_roots": ["/w"]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IdleTimeout() != time.Hour {
		t.Errorf("idle timeout = %v, want 1h default", cfg.IdleTimeout())
	}
	if cfg.EditInterval() != 2*time.Second {
		t.Errorf("edit interval = %v, want 2s default", cfg.EditInterval())
	}
	if cfg.MaxMsgLength != 4000 {
		t.Errorf("max msg length = %d", cfg.MaxMsgLength)
	}
	if cfg.MediaGroupTimeout() != time.Second {
		t.Errorf("media group timeout = %v", cfg.MediaGroupTimeout())
	}
	if cfg.GCHorizon() != 24*time.Hour {
		t.Errorf("gc horizon = %v", cfg.GCHorizon())
	}
}

func TestLoadFlexibleUserIDs(t *testing.T) {
	path := writeConfig(t, `{
		"telegram_token": "tok",
		"allowed_user_ids": [42, "99"],
		"approved_roots": ["/w"]
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsAllowed("42") || !cfg.IsAllowed("99") {
		t.Errorf("numeric and string ids should both be accepted: %v", cfg.AllowedUserIDs)
	}
	if cfg.IsAllowed("7") {
		t.Error("unlisted id allowed")
	}
}

func TestLoadMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `{"telegram_token": "tok"}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	for _, field := range []string{"allowed_user_ids", "approved_roots"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should name %s: %v", field, err)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"telegram_token": "file-token",
		"allowed_user_ids": ["1"],
		"approved_roots": ["/w"]
	}`)
	t.Setenv("CLAWBRIDGE_TELEGRAM_TOKEN", "env-token")
	t.Setenv("CLAWBRIDGE_ALLOWED_USER_IDS", "5,6")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TelegramToken != "env-token" {
		t.Errorf("token = %q, env must win", cfg.TelegramToken)
	}
	if len(cfg.AllowedUserIDs) != 2 || cfg.AllowedUserIDs[0] != "5" {
		t.Errorf("user ids = %v", cfg.AllowedUserIDs)
	}
}

func TestLoadMissingFileWithEnv(t *testing.T) {
	t.Setenv("CLAWBRIDGE_TELEGRAM_TOKEN", "tok")
	t.Setenv("CLAWBRIDGE_ALLOWED_USER_IDS", "1")
	t.Setenv("CLAWBRIDGE_APPROVED_ROOTS", "/w")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TelegramToken != "tok" {
		t.Errorf("token = %q", cfg.TelegramToken)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}
