// Package agentsdk implements the bot's side of the agent SDK contract
// (SPEC_FULL.md §6.1): a subprocess-backed client speaking the coding
// agent CLI's stream-json protocol, the pure Stream Handler that
// classifies each raw message, and the Options Builder that assembles a
// per-query options record.
package agentsdk

import "encoding/json"

// rawBlock is one content block inside a raw assistant/user message, as
// emitted over the wire by the agent CLI.
type rawBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// rawMessage is the inner "message" payload of an assistant/user stream-json
// line.
type rawMessage struct {
	Role    string     `json:"role"`
	Content []rawBlock `json:"content"`
}

// rawEvent is one parsed NDJSON line from the agent CLI's
// `--output-format stream-json` output. Nested payloads are deferred via
// json.RawMessage so the Stream Handler can interpret them per Type without
// every field needing to be modeled up front.
type rawEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
	Cost       float64         `json:"total_cost_usd,omitempty"`
	HasCost    bool            `json:"-"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`

	// System "init" fields, populated once per connection.
	SlashCommands []commandInfo `json:"slash_commands,omitempty"`

	// control_request (permission prompt over stdio), carried opaquely.
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	// stream_event inner event (--include-partial-messages), carried opaquely.
	Event json.RawMessage `json:"event,omitempty"`
}

// commandInfo mirrors one entry of the server's available-commands list,
// returned from get_server_info / the system init event.
type commandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// UnmarshalJSON detects whether total_cost_usd was actually present on the
// wire, since 0.0 and "absent" both decode to the float zero value and the
// Stream Handler must distinguish them (§4.3: "cost (may be missing)").
func (e *rawEvent) UnmarshalJSON(data []byte) error {
	type alias rawEvent
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	_, e.HasCost = probe["total_cost_usd"]
	return nil
}

// userMessageInner is the stdin wire shape `{role: "user", content: [...]}`.
type userMessageInner struct {
	Role    string       `json:"role"`
	Content []StdinBlock `json:"content"`
}

// stdinUserMessage is the exact stdin record shape the agent SDK requires
// for every query (SPEC_FULL.md §4.7 step 3).
type stdinUserMessage struct {
	Type            string           `json:"type"`
	Message         userMessageInner `json:"message"`
	ParentToolUseID *string          `json:"parent_tool_use_id"`
	SessionID       string           `json:"session_id,omitempty"`
}

// StdinBlock is one content block as written to the agent CLI's stdin.
type StdinBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *StdinSource `json:"source,omitempty"`
	Title  string       `json:"title,omitempty"`
}

// StdinSource is the nested source payload of image/document stdin blocks.
type StdinSource struct {
	Type      string `json:"type"` // "base64" or "text"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}
