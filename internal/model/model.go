// Package model holds the data types shared across the bridge's core
// components: the agent CLI's on-disk history, the persisted per-user
// session row, attachments, and the unit of work sent to a user's actor.
package model

import "time"

// HistoryEntry is one record from the agent CLI's on-disk session index.
type HistoryEntry struct {
	SessionID string
	Display   string
	Timestamp int64 // milliseconds since epoch
	Project   string
}

// TranscriptMessage is one message from a session transcript.
type TranscriptMessage struct {
	Role string // "user" or "assistant"
	Text string
}

// BotSessionRecord is the persisted active session for one user.
// Model and Betas are optional; a nil Betas means "none recorded", not an
// empty list, so the round-trip in P8 can tell the two apart.
type BotSessionRecord struct {
	UserID     string
	SessionID  string
	Directory  string
	Model      *string
	Betas      []string
	LastActive time.Time
}

// Attachment is one processed chat attachment, ready to hand to the agent
// SDK. ContentBlock is opaque to every caller except the SDK client.
type Attachment struct {
	ContentBlock ContentBlock
	Filename     string
	SizeBytes    int64
	MediaType    string
}

// ContentBlock mirrors the agent SDK's multimodal content block shapes
// (text / image / document). Only the fields relevant to Type are set.
type ContentBlock struct {
	Type string // "text", "image", "document"

	Text string // Type == "text"

	SourceType string // "base64" or "text" — Type == "image" or "document"
	MediaType  string // e.g. "image/png", "application/pdf", "text/plain"
	Data       string // base64 payload, or raw utf-8 text when SourceType == "text"
	Title      string // Type == "document": the attachment's filename
}

// TextBlock builds a {type: "text"} content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// Query is one unit of work sent to a User Client Actor. Rendering order
// for the SDK is the text block (if present) followed by each attachment's
// content block in the given order.
type Query struct {
	Text        string
	HasText     bool
	Attachments []Attachment
}

// ToContentBlocks renders the query as the ordered list of content blocks
// the agent SDK expects inside one user message.
func (q Query) ToContentBlocks() []ContentBlock {
	blocks := make([]ContentBlock, 0, len(q.Attachments)+1)
	if q.HasText {
		blocks = append(blocks, TextBlock(q.Text))
	}
	for _, a := range q.Attachments {
		blocks = append(blocks, a.ContentBlock)
	}
	return blocks
}

// QueryResult is one completed query's result.
type QueryResult struct {
	ResponseText string
	SessionID    string
	Cost         float64
	HasCost      bool
	NumTurns     int
	DurationMS   int64
}

// ActivityKind enumerates the kinds of ActivityEntry.
type ActivityKind int

const (
	ActivityText ActivityKind = iota
	ActivityTool
	ActivityThinking
)

// ActivityEntry is one line of the Progress Renderer's live activity log.
type ActivityEntry struct {
	Kind       ActivityKind
	Content    string // free text for Kind == ActivityText, or the thinking marker
	ToolName   string
	ToolDetail string // short input summary
	ToolResult string // brief result summary
	IsRunning  bool
}

// StreamEventKind enumerates the Stream Handler's classification outcomes.
type StreamEventKind int

const (
	EventText StreamEventKind = iota
	EventThinking
	EventToolUse
	EventToolResult
	EventResult
	EventUnknown
)

// StreamEvent is the tagged sum every raw SDK message is classified into.
// Classification happens in exactly one place (the Stream Handler); every
// downstream consumer switches on Kind alone.
type StreamEvent struct {
	Kind      StreamEventKind
	Content   string
	ToolName  string
	ToolInput map[string]any
	SessionID string
	Cost      float64
	HasCost   bool
	IsPartial bool // true for partial/delta tool_use fragments
}
