// Package chatplatform is the abstract boundary between the bridge's core
// (Progress Renderer, Orchestrator) and whatever concrete chat service is
// wired in (SPEC_FULL.md §6.4). Nothing in this package knows about
// Telegram, Discord, or any other transport.
package chatplatform

import "context"

// MessageHandle identifies one previously-sent message so it can be edited
// or replied to later. Platforms define their own concrete handle shape;
// callers treat it opaquely.
type MessageHandle struct {
	ChatID    string
	MessageID string
}

// InlineButton is one button of an inline keyboard; Data is echoed back on
// the resulting callback query.
type InlineButton struct {
	Label string
	Data  string
}

// InlineKeyboard is a grid of buttons, outer slice is rows.
type InlineKeyboard [][]InlineButton

// DownloadedFile is the result of resolving a chat platform's file
// reference to bytes.
type DownloadedFile struct {
	Filename  string
	MediaType string
	Data      []byte
}

// Platform is the capability surface the Progress Renderer, Attachment
// Processor, and Orchestrator need from a concrete chat service.
type Platform interface {
	// Send posts a new message and returns a handle to it.
	Send(ctx context.Context, chatID string, text string) (MessageHandle, error)

	// Edit overwrites a previously sent message's text in place.
	Edit(ctx context.Context, handle MessageHandle, text string) error

	// Reply posts a new message threaded under an existing one, where the
	// platform supports it; otherwise behaves like Send.
	Reply(ctx context.Context, handle MessageHandle, text string) (MessageHandle, error)

	// SendWithKeyboard posts a message with an attached inline keyboard.
	SendWithKeyboard(ctx context.Context, chatID string, text string, kb InlineKeyboard) (MessageHandle, error)

	// EditKeyboard replaces a message's text and/or inline keyboard in place.
	EditKeyboard(ctx context.Context, handle MessageHandle, text string, kb InlineKeyboard) error

	// AnswerCallback acknowledges an inline-keyboard callback query,
	// optionally showing a short transient notice to the user.
	AnswerCallback(ctx context.Context, callbackID string, notice string) error

	// SendChatAction signals an ephemeral activity indicator (e.g. "typing").
	SendChatAction(ctx context.Context, chatID string, action string) error

	// DownloadFile resolves a platform file id to its bytes.
	DownloadFile(ctx context.Context, fileID string) (DownloadedFile, error)
}
