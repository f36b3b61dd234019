package agentsdk

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// mobileDisplayHint is appended to the CLI's own system prompt preset so
// responses stay readable in a narrow chat column. The preset itself is
// never replaced (SPEC_FULL.md §4.2).
const mobileDisplayHint = "\n\nYou are being used through a chat client on a narrow screen. Prefer short paragraphs and avoid wide tables."

// PermissionCallback decides whether a tool invocation is allowed. It is
// only wired when both a Validator and ApprovedDirectory are supplied to
// the Builder.
type PermissionCallback func(toolName string, input map[string]any) bool

// Options is the per-query options record the Client consumes to start (or
// reconnect) the agent CLI subprocess.
type Options struct {
	Cwd            string
	SessionID      string // resume target, may be empty
	Model          string
	Betas          []string
	PermissionMode string // always "bypass"
	SystemPrompt   string
	Permission     PermissionCallback
}

// cliSettings is the subset of the CLI-user settings file this builder
// reads. Unknown fields are ignored.
type cliSettings struct {
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	Betas        []string `json:"betas"`
}

// Validator rejects tool invocations that escape an approved directory or
// match a known-dangerous shell pattern. Construction of the concrete
// validator is out of this package's scope (SPEC_FULL.md explicitly
// excludes authorization policy design) — Builder only wires whatever
// Validator it is given.
type Validator interface {
	// Allow reports whether toolName/input is permitted given
	// approvedDir.
	Allow(toolName string, input map[string]any, approvedDir string) bool
}

// Builder composes Options per query, merging explicit argument > CLI-user
// settings file > SDK defaults (SPEC_FULL.md §4.2). It reads the settings
// file once per Builder lifetime and caches the parsed content — this is
// one of the two permitted per-instance caches named in SPEC_FULL.md §9
// ("Global mutable state"); there is no package-level cache.
type Builder struct {
	settingsPath string
	validator    Validator

	once     sync.Once
	settings cliSettings
}

// NewBuilder returns a Builder that reads settingsPath lazily. validator may
// be nil, in which case no permission callback is ever emitted.
func NewBuilder(settingsPath string, validator Validator) *Builder {
	return &Builder{settingsPath: settingsPath, validator: validator}
}

// BuildInput carries the per-query overrides accepted by Build.
type BuildInput struct {
	Cwd               string
	SessionID         string
	Model             string
	Betas             []string
	ApprovedDirectory string
}

// Build constructs an Options record for one query.
func (b *Builder) Build(in BuildInput) (Options, error) {
	if in.Cwd == "" {
		return Options{}, errMissingField("cwd")
	}

	b.once.Do(b.loadSettings)

	model := in.Model
	if model == "" {
		model = b.settings.Model
	}

	betas := in.Betas
	if len(betas) == 0 {
		betas = b.settings.Betas
	}

	systemPrompt := mobileDisplayHint
	if b.settings.SystemPrompt != "" {
		// The CLI preset is resolved by the CLI itself; we only ever
		// append, never replace it.
		systemPrompt = b.settings.SystemPrompt + mobileDisplayHint
	}

	opts := Options{
		Cwd:            in.Cwd,
		SessionID:      in.SessionID,
		Model:          model,
		Betas:          betas,
		PermissionMode: "bypass",
		SystemPrompt:   systemPrompt,
	}

	if b.validator != nil && in.ApprovedDirectory != "" {
		approved := in.ApprovedDirectory
		validator := b.validator
		opts.Permission = func(toolName string, input map[string]any) bool {
			return validator.Allow(toolName, input, approved)
		}
	}

	return opts, nil
}

func (b *Builder) loadSettings() {
	if b.settingsPath == "" {
		return
	}
	data, err := os.ReadFile(b.settingsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("agentsdk: failed to read CLI settings file", "path", b.settingsPath, "error", err)
		}
		return
	}
	var s cliSettings
	if err := json.Unmarshal(data, &s); err != nil {
		slog.Warn("agentsdk: malformed CLI settings file, treating as empty", "path", b.settingsPath, "error", err)
		return
	}
	b.settings = s
}

// buildErrFieldName is a fatal build error naming the offending field, per
// SPEC_FULL.md §4.2's edge case contract.
type buildErrFieldName struct {
	field string
}

func (e *buildErrFieldName) Error() string {
	return "agentsdk: missing required field: " + e.field
}

func errMissingField(field string) error {
	return &buildErrFieldName{field: field}
}

// DefaultConfigDir returns the agent CLI's default per-user config
// directory, used when no override is configured.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// SettingsPath returns the CLI-user settings file inside configDir.
func SettingsPath(configDir string) string {
	return filepath.Join(configDir, "settings.json")
}
