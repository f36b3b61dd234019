package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
)

// Bot connects to Telegram via long polling and dispatches each update to
// the orchestrator on its own goroutine, so one user's slow query never
// blocks another's.
type Bot struct {
	bot  *telego.Bot
	cfg  *config.Config
	orch *Orchestrator

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewBot builds the telego bot, its platform wrapper, and the orchestrator.
func NewBot(cfg *config.Config, orchDeps OrchestratorDeps) (*Bot, error) {
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	orchDeps.Platform = NewPlatform(bot, cfg.TelegramToken)
	orch := NewOrchestrator(cfg, orchDeps)

	return &Bot{bot: bot, cfg: cfg, orch: orch}, nil
}

// Orchestrator exposes the wired orchestrator, mainly for tests.
func (b *Bot) Orchestrator() *Orchestrator { return b.orch }

// Start begins long polling for updates and returns once polling is live.
func (b *Bot) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", b.bot.Username())

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					msg := update.Message
					go b.orch.HandleMessage(pollCtx, msg)
				case update.CallbackQuery != nil:
					cq := update.CallbackQuery
					go b.orch.HandleCallback(pollCtx, cq)
				default:
					slog.Debug("telegram update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the dispatch goroutine to exit,
// so Telegram releases the getUpdates lock before a new instance starts.
func (b *Bot) Stop() {
	slog.Info("stopping telegram bot")
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
}
