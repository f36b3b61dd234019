// Package telegram is the concrete chat-platform binding and the message
// orchestrator: it long-polls the Bot API, converts inbound updates into
// queries against per-user actors, and renders progress back into the chat.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawbridge/internal/chatplatform"
)

const downloadMaxRetries = 3

// Platform adapts a telego bot to the chatplatform.Platform surface the
// renderer, attachment processor, and orchestrator consume.
type Platform struct {
	bot   *telego.Bot
	token string
}

// NewPlatform wraps bot. The token is needed to build file-download URLs.
func NewPlatform(bot *telego.Bot, token string) *Platform {
	return &Platform{bot: bot, token: token}
}

func (p *Platform) Send(ctx context.Context, chatID string, text string) (chatplatform.MessageHandle, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return chatplatform.MessageHandle{}, err
	}
	msg, err := p.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	if err != nil {
		return chatplatform.MessageHandle{}, fmt.Errorf("telegram: send: %w", err)
	}
	return handleFor(msg), nil
}

func (p *Platform) Edit(ctx context.Context, handle chatplatform.MessageHandle, text string) error {
	id, mid, err := parseHandle(handle)
	if err != nil {
		return err
	}
	_, err = p.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: mid,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

func (p *Platform) Reply(ctx context.Context, handle chatplatform.MessageHandle, text string) (chatplatform.MessageHandle, error) {
	id, mid, err := parseHandle(handle)
	if err != nil {
		return chatplatform.MessageHandle{}, err
	}
	params := tu.Message(tu.ID(id), text)
	params.ReplyParameters = &telego.ReplyParameters{MessageID: mid}
	msg, err := p.bot.SendMessage(ctx, params)
	if err != nil {
		return chatplatform.MessageHandle{}, fmt.Errorf("telegram: reply: %w", err)
	}
	return handleFor(msg), nil
}

func (p *Platform) SendWithKeyboard(ctx context.Context, chatID string, text string, kb chatplatform.InlineKeyboard) (chatplatform.MessageHandle, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return chatplatform.MessageHandle{}, err
	}
	params := tu.Message(tu.ID(id), text)
	params.ReplyMarkup = toMarkup(kb)
	msg, err := p.bot.SendMessage(ctx, params)
	if err != nil {
		return chatplatform.MessageHandle{}, fmt.Errorf("telegram: send keyboard: %w", err)
	}
	return handleFor(msg), nil
}

func (p *Platform) EditKeyboard(ctx context.Context, handle chatplatform.MessageHandle, text string, kb chatplatform.InlineKeyboard) error {
	id, mid, err := parseHandle(handle)
	if err != nil {
		return err
	}
	_, err = p.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:      tu.ID(id),
		MessageID:   mid,
		Text:        text,
		ReplyMarkup: toMarkup(kb),
	})
	if err != nil {
		return fmt.Errorf("telegram: edit keyboard: %w", err)
	}
	return nil
}

func (p *Platform) AnswerCallback(ctx context.Context, callbackID string, notice string) error {
	return p.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            notice,
	})
}

func (p *Platform) SendChatAction(ctx context.Context, chatID string, action string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if action == "" {
		action = telego.ChatActionTyping
	}
	return p.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), action))
}

// DownloadFile resolves fileID through getFile and fetches the bytes, with
// retry on the metadata call since that is where transient Bot API errors
// show up.
func (p *Platform) DownloadFile(ctx context.Context, fileID string) (chatplatform.DownloadedFile, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = p.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("telegram: retrying getFile", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return chatplatform.DownloadedFile{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return chatplatform.DownloadedFile{}, fmt.Errorf("telegram: getFile after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return chatplatform.DownloadedFile{}, fmt.Errorf("telegram: empty file path for file_id %s", fileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", p.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return chatplatform.DownloadedFile{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return chatplatform.DownloadedFile{}, fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return chatplatform.DownloadedFile{}, fmt.Errorf("telegram: download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatplatform.DownloadedFile{}, fmt.Errorf("telegram: read file body: %w", err)
	}
	return chatplatform.DownloadedFile{
		Filename: path.Base(file.FilePath),
		Data:     data,
	}, nil
}

func handleFor(msg *telego.Message) chatplatform.MessageHandle {
	return chatplatform.MessageHandle{
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
	}
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	return id, nil
}

func parseHandle(h chatplatform.MessageHandle) (int64, int, error) {
	id, err := parseChatID(h.ChatID)
	if err != nil {
		return 0, 0, err
	}
	mid, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: bad message id %q: %w", h.MessageID, err)
	}
	return id, mid, nil
}

func toMarkup(kb chatplatform.InlineKeyboard) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, telego.InlineKeyboardButton{Text: b.Label, CallbackData: b.Data})
		}
		rows = append(rows, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}
