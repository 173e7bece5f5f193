package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_mod_bot/internal/config"
	"reddit_mod_bot/internal/model"
)

// PostAlert sends a new alert message for an item and persists its view
// state. The dedupe record only counts as dispatched once the alert record
// is stored, so a failure here is retried on the next cycle.
func (b *Bot) PostAlert(ctx context.Context, setup config.Setup, item model.ReportedItem) error {
	ac := model.AlertContext{Item: item}

	msg := tgbotapi.NewMessage(setup.ChatID, FormatAlert(ac))
	msg.DisableWebPagePreview = true
	msg.DisableNotification = setup.SilentNotifications
	if kb := alertKeyboard(ac); kb != nil {
		msg.ReplyMarkup = *kb
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}

	rec := &model.AlertRecord{
		Fullname:  item.Fullname,
		SetupID:   setup.SetupID,
		ChatID:    setup.ChatID,
		MessageID: sent.MessageID,
		Context:   ac,
	}
	if err := b.store.SaveAlert(ctx, rec); err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}
	b.log.Info("alert posted", "setup", setup.SetupID, "fullname", item.Fullname,
		"message_id", sent.MessageID)
	return nil
}

// rerender updates the alert's message text and buttons to match its
// current context, then persists the context.
func (b *Bot) rerender(ctx context.Context, rec *model.AlertRecord) {
	edit := tgbotapi.NewEditMessageText(rec.ChatID, rec.MessageID, FormatAlert(rec.Context))
	edit.DisableWebPagePreview = true
	if kb := alertKeyboard(rec.Context); kb != nil {
		edit.ReplyMarkup = kb
	}
	if _, err := b.api.Send(edit); err != nil {
		b.log.Error("edit alert message", "fullname", rec.Fullname, "error", err)
	}
	if err := b.store.SaveAlert(ctx, rec); err != nil {
		b.log.Error("persist alert context", "fullname", rec.Fullname, "error", err)
	}
}

// Restore reloads persisted alerts on startup so their buttons keep
// working. Telegram keeps inline keyboards attached to the original
// messages, so restoring is a matter of verifying the records still load.
func (b *Bot) Restore(ctx context.Context) error {
	for _, setup := range b.cfg.Setups {
		recs, err := b.store.RestoreAlerts(ctx, setup.SetupID)
		if err != nil {
			return fmt.Errorf("restore alerts for %s: %w", setup.SetupID, err)
		}
		open := 0
		for i := range recs {
			if !recs[i].Context.Handled {
				open++
			}
		}
		b.log.Info("alerts restored", "setup", setup.SetupID,
			"total", len(recs), "open", open)
	}
	return nil
}
