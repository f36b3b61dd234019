package agentsdk

import (
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

// classify is the Stream Handler (SPEC_FULL.md §4.3): a pure function over
// a single raw SDK message, returning the one StreamEvent it represents.
// Classification happens here and nowhere else; every consumer switches on
// the resulting Kind.
func classify(e rawEvent) model.StreamEvent {
	switch e.Type {
	case "result":
		return model.StreamEvent{
			Kind:      model.EventResult,
			Content:   e.Result,
			SessionID: e.SessionID,
			Cost:      e.Cost,
			HasCost:   e.HasCost,
		}
	case "assistant":
		return classifyAssistant(e)
	case "user":
		return classifyUser(e)
	default:
		return model.StreamEvent{Kind: model.EventUnknown}
	}
}

func classifyAssistant(e rawEvent) model.StreamEvent {
	var msg rawMessage
	if len(e.Message) > 0 {
		_ = json.Unmarshal(e.Message, &msg)
	}

	if len(msg.Content) == 1 && msg.Content[0].Type == "thinking" {
		return model.StreamEvent{Kind: model.EventThinking, Content: msg.Content[0].Text, SessionID: e.SessionID}
	}

	if len(msg.Content) == 1 && msg.Content[0].Type == "tool_use" {
		var input map[string]any
		if len(msg.Content[0].Input) > 0 {
			_ = json.Unmarshal(msg.Content[0].Input, &input)
		}
		return model.StreamEvent{
			Kind:      model.EventToolUse,
			ToolName:  msg.Content[0].Name,
			ToolInput: input,
			SessionID: e.SessionID,
		}
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return model.StreamEvent{Kind: model.EventText, Content: sb.String(), SessionID: e.SessionID}
}

func classifyUser(e rawEvent) model.StreamEvent {
	var msg rawMessage
	if len(e.Message) > 0 {
		_ = json.Unmarshal(e.Message, &msg)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	content := sb.String()
	if content == "" {
		return model.StreamEvent{Kind: model.EventUnknown}
	}
	return model.StreamEvent{Kind: model.EventToolResult, Content: content, SessionID: e.SessionID}
}

// toStdinBlock converts one outbound model.ContentBlock into the wire shape
// the agent CLI expects on stdin.
func toStdinBlock(b model.ContentBlock) StdinBlock {
	switch b.Type {
	case "text":
		return StdinBlock{Type: "text", Text: b.Text}
	case "image":
		return StdinBlock{Type: "image", Source: &StdinSource{Type: "base64", MediaType: b.MediaType, Data: b.Data}}
	case "document":
		return StdinBlock{
			Type:   "document",
			Title:  b.Title,
			Source: &StdinSource{Type: b.SourceType, MediaType: b.MediaType, Data: b.Data},
		}
	default:
		return StdinBlock{Type: "text", Text: ""}
	}
}
