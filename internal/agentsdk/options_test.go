package agentsdk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildRequiresCwd(t *testing.T) {
	b := NewBuilder("", nil)
	_, err := b.Build(BuildInput{})
	if err == nil {
		t.Fatal("expected an error for missing cwd")
	}
	if !strings.Contains(err.Error(), "cwd") {
		t.Errorf("error should name the offending field: %v", err)
	}
}

func TestBuildExplicitModelWins(t *testing.T) {
	path := writeSettings(t, `{"model": "settings-model"}`)
	b := NewBuilder(path, nil)
	opts, err := b.Build(BuildInput{Cwd: "/w", Model: "explicit-model"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Model != "explicit-model" {
		t.Errorf("model = %q, want explicit argument to win", opts.Model)
	}
}

func TestBuildFallsBackToSettingsModel(t *testing.T) {
	path := writeSettings(t, `{"model": "settings-model", "betas": ["b1"]}`)
	b := NewBuilder(path, nil)
	opts, err := b.Build(BuildInput{Cwd: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Model != "settings-model" {
		t.Errorf("model = %q, want settings value", opts.Model)
	}
	if len(opts.Betas) != 1 || opts.Betas[0] != "b1" {
		t.Errorf("betas = %v, want settings value", opts.Betas)
	}
}

func TestBuildMalformedSettingsTreatedAsEmpty(t *testing.T) {
	path := writeSettings(t, `{not json`)
	b := NewBuilder(path, nil)
	opts, err := b.Build(BuildInput{Cwd: "/w"})
	if err != nil {
		t.Fatalf("malformed settings must not fail the build: %v", err)
	}
	if opts.Model != "" {
		t.Errorf("model = %q, want empty", opts.Model)
	}
}

func TestBuildPermissionModeIsBypass(t *testing.T) {
	b := NewBuilder("", nil)
	opts, err := b.Build(BuildInput{Cwd: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.PermissionMode != "bypass" {
		t.Errorf("permission mode = %q, want bypass", opts.PermissionMode)
	}
}

func TestBuildSystemPromptAppendsHint(t *testing.T) {
	path := writeSettings(t, `{"systemPrompt": "preset text"}`)
	b := NewBuilder(path, nil)
	opts, err := b.Build(BuildInput{Cwd: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(opts.SystemPrompt, "preset text") {
		t.Errorf("system prompt must preserve the preset: %q", opts.SystemPrompt)
	}
	if !strings.Contains(opts.SystemPrompt, "chat client") {
		t.Errorf("system prompt must append the display hint: %q", opts.SystemPrompt)
	}
}

type allowNothing struct{}

func (allowNothing) Allow(toolName string, input map[string]any, approvedDir string) bool {
	return false
}

func TestBuildPermissionCallbackWiring(t *testing.T) {
	b := NewBuilder("", allowNothing{})
	opts, err := b.Build(BuildInput{Cwd: "/w", ApprovedDirectory: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Permission == nil {
		t.Fatal("permission callback should be set when validator and approved dir are both present")
	}
	if opts.Permission("Bash", map[string]any{"command": "rm -rf /"}) {
		t.Error("validator verdict must be honored")
	}

	// Without an approved directory, no callback is emitted.
	opts, err = b.Build(BuildInput{Cwd: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Permission != nil {
		t.Error("no approved dir → no permission callback")
	}
}

func TestBuilderCachesSettings(t *testing.T) {
	path := writeSettings(t, `{"model": "first"}`)
	b := NewBuilder(path, nil)
	if _, err := b.Build(BuildInput{Cwd: "/w"}); err != nil {
		t.Fatal(err)
	}

	// Rewrite the file; the builder must keep the cached parse.
	if err := os.WriteFile(path, []byte(`{"model": "second"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := b.Build(BuildInput{Cwd: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Model != "first" {
		t.Errorf("model = %q, want cached first read", opts.Model)
	}
}
