// Package bot is the Telegram surface: it posts report alerts, routes
// button presses to the action executor, and handles operator commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_mod_bot/internal/action"
	"reddit_mod_bot/internal/config"
	"reddit_mod_bot/internal/model"
	"reddit_mod_bot/internal/scheduler"
	"reddit_mod_bot/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type actionRunner interface {
	Execute(ctx context.Context, req action.Request) (*action.Result, error)
	Refresh(ctx context.Context, fullname string) (*model.ReportedItem, error)
}

// Poller exposes the scheduler operations the bot's commands need.
type Poller interface {
	TriggerNow(ctx context.Context, setupID string) (*scheduler.CycleResult, error)
	Status(ctx context.Context) []scheduler.SetupStatus
}

// Bot handles Telegram updates and posts alerts.
type Bot struct {
	api       telegramAPI
	store     storage.Storage
	cfg       *config.Config
	poller    Poller
	executors map[string]actionRunner
	forms     *formRegistry
	log       *slog.Logger
}

// New creates a Bot connected to the Telegram API. Executors maps setup id
// to that setup's action executor. The scheduler is attached afterwards
// with AttachPoller, since it in turn needs the bot as its alerter.
func New(token string, store storage.Storage, cfg *config.Config,
	executors map[string]*action.Executor, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	runners := make(map[string]actionRunner, len(executors))
	for id, exec := range executors {
		runners[id] = exec
	}
	return &Bot{
		api:       api,
		store:     store,
		cfg:       cfg,
		executors: runners,
		forms:     newFormRegistry(),
		log:       log,
	}, nil
}

// AttachPoller wires the scheduler in. Must be called before Run.
func (b *Bot) AttachPoller(p Poller) {
	b.poller = p
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			// Updates are handled concurrently so one slow moderation call
			// never stalls every other chat's buttons and commands.
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil {
		return
	}
	if b.handleFormReply(ctx, update.Message) {
		return
	}
	if update.Message.IsCommand() {
		b.handleCommand(ctx, update.Message)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "sync":
		b.handleSync(ctx, chatID, args)
	case "health":
		b.handleHealth(ctx, chatID)
	case "history":
		b.handleHistory(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// setupFor returns the setup configured for a chat, or nil when the chat is
// not bound to any setup.
func (b *Bot) setupFor(chatID int64) *config.Setup {
	for i := range b.cfg.Setups {
		if b.cfg.Setups[i].ChatID == chatID {
			return &b.cfg.Setups[i]
		}
	}
	return nil
}

func (b *Bot) setupByID(setupID string) *config.Setup {
	for i := range b.cfg.Setups {
		if b.cfg.Setups[i].SetupID == setupID {
			return &b.cfg.Setups[i]
		}
	}
	return nil
}
