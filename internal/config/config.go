// Package config loads the bridge's configuration from a JSON file plus
// environment-variable overrides for secrets. Required fields fail fast at
// process start; optional fields apply documented defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON — hand-edited
// config files mix the two for numeric chat-user ids.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the bridge's root configuration.
type Config struct {
	// Required.
	TelegramToken  string              `json:"telegram_token"` // env only by convention; see Load
	AllowedUserIDs FlexibleStringSlice `json:"allowed_user_ids"`
	ApprovedRoots  []string            `json:"approved_roots"`

	// Optional, with defaults.
	IdleTimeoutSec       int     `json:"idle_timeout_sec"`
	EditIntervalSec      float64 `json:"edit_interval_sec"`
	MaxMsgLength         int     `json:"max_msg_length"`
	MediaGroupTimeoutSec float64 `json:"media_group_timeout_sec"`
	AgentConfigDir       string  `json:"agent_config_dir"`
	GCHorizonHours       int     `json:"gc_horizon_hours"`
	GCSchedule           string  `json:"gc_schedule"`
	DBPath               string  `json:"db_path"`
}

// Default returns a Config carrying the documented defaults.
func Default() *Config {
	return &Config{
		IdleTimeoutSec:       3600,
		EditIntervalSec:      2.0,
		MaxMsgLength:         4000,
		MediaGroupTimeoutSec: 1.0,
		GCHorizonHours:       24,
		GCSchedule:           "0 * * * *",
		DBPath:               "~/.clawbridge/bridge.db",
	}
}

// Load reads config from a JSON file, then overlays env vars. A missing
// file is fine as long as the env supplies the required fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; the bot token normally arrives only here,
// never in the checked-in file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLAWBRIDGE_TELEGRAM_TOKEN"); v != "" {
		c.TelegramToken = v
	}
	if v := os.Getenv("CLAWBRIDGE_ALLOWED_USER_IDS"); v != "" {
		c.AllowedUserIDs = strings.Split(v, ",")
	}
	if v := os.Getenv("CLAWBRIDGE_APPROVED_ROOTS"); v != "" {
		c.ApprovedRoots = strings.Split(v, ",")
	}
	if v := os.Getenv("CLAWBRIDGE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("CLAWBRIDGE_AGENT_CONFIG_DIR"); v != "" {
		c.AgentConfigDir = v
	}
}

// Validate enforces the required fields. Failures here are configuration
// errors and abort process start.
func (c *Config) Validate() error {
	var missing []string
	if c.TelegramToken == "" {
		missing = append(missing, "telegram_token")
	}
	if len(c.AllowedUserIDs) == 0 {
		missing = append(missing, "allowed_user_ids")
	}
	if len(c.ApprovedRoots) == 0 {
		missing = append(missing, "approved_roots")
	}
	if len(missing) > 0 {
		return errors.New("config: missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// IsAllowed reports whether userID is in the allowlist.
func (c *Config) IsAllowed(userID string) bool {
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IdleTimeout returns the actor idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// EditInterval returns the progress-edit throttle as a duration.
func (c *Config) EditInterval() time.Duration {
	return time.Duration(c.EditIntervalSec * float64(time.Second))
}

// MediaGroupTimeout returns the album-collection window as a duration.
func (c *Config) MediaGroupTimeout() time.Duration {
	return time.Duration(c.MediaGroupTimeoutSec * float64(time.Second))
}

// GCHorizon returns the session-repo GC horizon as a duration.
func (c *Config) GCHorizon() time.Duration {
	return time.Duration(c.GCHorizonHours) * time.Hour
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
