package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_mod_bot/internal/action"
	"reddit_mod_bot/internal/model"
	"reddit_mod_bot/internal/storage"
)

func callbackData(kind model.ActionKind, fullname string) string {
	return string(kind) + ":" + fullname
}

func parseCallback(data string) (model.ActionKind, string, error) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed callback data %q", data)
	}
	return model.ActionKind(parts[0]), parts[1], nil
}

// formKinds are the actions that need extra input before executing.
func isFormKind(kind model.ActionKind) bool {
	switch kind {
	case model.ActionBan, model.ActionRemoveMessage, model.ActionModmail, model.ActionReply:
		return true
	}
	return false
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	ack := func(text string) {
		if _, err := b.api.Send(tgbotapi.NewCallback(cb.ID, text)); err != nil {
			b.log.Error("send callback ack", "error", err)
		}
	}

	kind, fullname, err := parseCallback(cb.Data)
	if err != nil {
		b.log.Warn("callback", "error", err)
		ack("")
		return
	}
	// Telegram omits the message for callbacks on messages it no longer
	// keeps; there is no chat to act in then.
	if cb.Message == nil || cb.Message.Chat == nil {
		ack("This alert is too old to act on.")
		return
	}
	chatID := cb.Message.Chat.ID

	rec, err := b.store.GetAlert(ctx, fullname)
	if errors.Is(err, storage.ErrNotFound) {
		ack("This alert has expired.")
		return
	}
	if err != nil {
		b.log.Error("load alert", "fullname", fullname, "error", err)
		ack("Internal error.")
		return
	}

	setup := b.setupByID(rec.SetupID)
	exec := b.executors[rec.SetupID]
	if setup == nil || exec == nil {
		ack("This alert belongs to a setup that is no longer configured.")
		return
	}

	actor := b.actorFrom(chatID, cb.From)
	if !action.Authorized(setup, actor) {
		ack("You are not allowed to moderate here.")
		return
	}

	b.log.Info("callback", "action", string(kind), "fullname", fullname,
		"chat_id", chatID, "user_id", actor.ID, "username", actor.Name)

	if isFormKind(kind) {
		b.startForm(chatID, kind, rec)
		ack("Reply to the prompt to continue.")
		return
	}

	if kind == model.ActionRefresh {
		item, err := exec.Refresh(ctx, fullname)
		if err != nil {
			b.log.Error("refresh item", "fullname", fullname, "error", err)
			ack("Refresh failed.")
			return
		}
		rec.Context.Item = *item
		b.rerender(ctx, rec)
		ack("Refreshed.")
		return
	}

	req := action.Request{
		Kind:     kind,
		Fullname: fullname,
		Actor:    actor,
	}
	res, err := exec.Execute(ctx, req)
	if err != nil && res == nil {
		b.log.Error("execute action", "action", string(kind), "fullname", fullname, "error", err)
		ack("Internal error.")
		return
	}

	switch res.Outcome {
	case model.OutcomeApplied, model.OutcomeConflictReconciled:
		applyResult(rec, req, res)
		b.rerender(ctx, rec)
		if res.Outcome == model.OutcomeConflictReconciled {
			ack("Already handled on Reddit; updated from the mod log.")
		} else {
			ack("Done.")
		}
	case model.OutcomeDuplicateSkipped:
		ack("Already done.")
	case model.OutcomeFailed:
		ack("Action failed: " + res.Detail)
	}
}

// applyResult folds an executed action into the alert's view context.
func applyResult(rec *model.AlertRecord, req action.Request, res *action.Result) {
	rec.Context.AuditLog = append(rec.Context.AuditLog, res.AuditLines...)

	if res.Outcome == model.OutcomeConflictReconciled {
		rec.Context.Handled = true
		return
	}

	item := &rec.Context.Item
	switch req.Kind {
	case model.ActionApprove:
		item.Approved = true
		item.Removed = false
		item.ReportsIgnored = true
		rec.Context.Handled = true
	case model.ActionRemove, model.ActionSpam, model.ActionRemoveMessage:
		item.Removed = true
		item.Approved = false
		item.ReportsIgnored = true
		rec.Context.Handled = true
	case model.ActionMarkHandled:
		rec.Context.Handled = true
	case model.ActionLock:
		item.Locked = true
	case model.ActionUnlock:
		item.Locked = false
	case model.ActionIgnore:
		item.ReportsIgnored = true
	case model.ActionUnignore:
		item.ReportsIgnored = false
	case model.ActionReply:
		if req.Reply == nil {
			break
		}
		if req.Reply.RemoveFirst {
			item.Removed = true
			item.Approved = false
			item.ReportsIgnored = true
			rec.Context.Handled = true
		}
		if req.Reply.LockThread {
			item.Locked = true
		}
	}
}

// actorFrom resolves a Telegram user into an action actor, checking chat
// administrator status against the Telegram API.
func (b *Bot) actorFrom(chatID int64, user *tgbotapi.User) action.Actor {
	actor := action.Actor{ID: user.ID, Name: user.UserName}
	if actor.Name == "" {
		actor.Name = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}

	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: chatID,
			UserID: user.ID,
		},
	})
	if err != nil {
		b.log.Warn("get chat member", "chat_id", chatID, "user_id", user.ID, "error", err)
		return actor
	}
	actor.Admin = member.IsAdministrator() || member.IsCreator()
	return actor
}
