package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_mod_bot/internal/action"
	"reddit_mod_bot/internal/model"
	"reddit_mod_bot/internal/reddit"
)

// pendingForm is an in-flight input request: the bot asked for form fields
// with a force-reply prompt and is waiting for the reply to that message.
type pendingForm struct {
	kind     model.ActionKind
	fullname string
	setupID  string
}

type formKey struct {
	chatID    int64
	messageID int
}

type formRegistry struct {
	mu    sync.Mutex
	forms map[formKey]pendingForm
}

func newFormRegistry() *formRegistry {
	return &formRegistry{forms: make(map[formKey]pendingForm)}
}

func (r *formRegistry) put(key formKey, f pendingForm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forms[key] = f
}

func (r *formRegistry) take(key formKey) (pendingForm, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.forms[key]
	if ok {
		delete(r.forms, key)
	}
	return f, ok
}

func formPrompt(kind model.ActionKind, item model.ReportedItem) string {
	switch kind {
	case model.ActionBan:
		return fmt.Sprintf(
			"Ban the author of %s.\nReply to this message with:\n"+
				"user: %s\ndays: 0 (0 = permanent)\nreason: <ban reason>\n"+
				"note: <mod-only note>\nmessage: <message sent to the user>",
			item.Fullname, item.Author)
	case model.ActionRemoveMessage:
		return fmt.Sprintf(
			"Remove %s with an explanation.\nReply to this message with:\n"+
				"title: Removed\nas_subreddit: yes\n<explanation text on the following lines>",
			item.Fullname)
	case model.ActionModmail:
		return fmt.Sprintf(
			"Send modmail about %s.\nReply to this message with:\n"+
				"to: %s\nsubject: <subject>\n<message text on the following lines>",
			item.Fullname, item.Author)
	case model.ActionReply:
		return fmt.Sprintf(
			"Reply to %s as a moderator.\nReply to this message with:\n"+
				"remove: no\nsticky: no\nlock: no\n<reply text on the following lines>",
			item.Fullname)
	}
	return ""
}

// startForm sends a force-reply prompt and remembers which alert and action
// the eventual reply belongs to.
func (b *Bot) startForm(chatID int64, kind model.ActionKind, rec *model.AlertRecord) {
	msg := tgbotapi.NewMessage(chatID, formPrompt(kind, rec.Context.Item))
	msg.ReplyMarkup = tgbotapi.ForceReply{ForceReply: true, Selective: true}

	sent, err := b.api.Send(msg)
	if err != nil {
		b.log.Error("send form prompt", "fullname", rec.Fullname, "error", err)
		return
	}
	b.forms.put(formKey{chatID: chatID, messageID: sent.MessageID}, pendingForm{
		kind:     kind,
		fullname: rec.Fullname,
		setupID:  rec.SetupID,
	})
}

// handleFormReply consumes a message when it replies to an open form
// prompt. It reports whether the message was handled.
func (b *Bot) handleFormReply(ctx context.Context, msg *tgbotapi.Message) bool {
	if msg.ReplyToMessage == nil {
		return false
	}
	key := formKey{chatID: msg.Chat.ID, messageID: msg.ReplyToMessage.MessageID}
	form, ok := b.forms.take(key)
	if !ok {
		return false
	}

	setup := b.setupByID(form.setupID)
	exec := b.executors[form.setupID]
	if setup == nil || exec == nil {
		b.reply(msg.Chat.ID, "This alert belongs to a setup that is no longer configured.")
		return true
	}

	actor := b.actorFrom(msg.Chat.ID, msg.From)
	if !action.Authorized(setup, actor) {
		b.reply(msg.Chat.ID, "You are not allowed to moderate here.")
		return true
	}

	req := action.Request{Kind: form.kind, Fullname: form.fullname, Actor: actor}
	var parseErr error
	switch form.kind {
	case model.ActionBan:
		req.Ban, parseErr = ParseBanForm(msg.Text)
	case model.ActionRemoveMessage:
		req.RemovalMessage, parseErr = ParseRemovalForm(msg.Text)
	case model.ActionModmail:
		req.Modmail, parseErr = ParseModmailForm(msg.Text)
	case model.ActionReply:
		req.Reply, parseErr = ParseReplyForm(msg.Text)
	}
	if parseErr != nil {
		b.reply(msg.Chat.ID, "Could not read that: "+parseErr.Error())
		return true
	}

	res, err := exec.Execute(ctx, req)
	if err != nil && res == nil {
		b.log.Error("execute form action", "action", string(form.kind),
			"fullname", form.fullname, "error", err)
		b.reply(msg.Chat.ID, "Internal error.")
		return true
	}

	switch res.Outcome {
	case model.OutcomeApplied, model.OutcomeConflictReconciled:
		if rec, err := b.store.GetAlert(ctx, form.fullname); err == nil {
			applyResult(rec, req, res)
			b.rerender(ctx, rec)
		}
		b.reply(msg.Chat.ID, "Done.")
	case model.OutcomeDuplicateSkipped:
		b.reply(msg.Chat.ID, "Already done.")
	case model.OutcomeFailed:
		b.reply(msg.Chat.ID, "Action failed: "+res.Detail)
	}
	return true
}

// splitFields separates leading "key: value" lines from the free-text body
// that follows them. Only the given keys are recognized; the first line
// that is not one of them starts the body.
func splitFields(text string, keys ...string) (map[string]string, string) {
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}

	fields := make(map[string]string)
	lines := strings.Split(text, "\n")
	i := 0
	for ; i < len(lines); i++ {
		key, value, found := strings.Cut(lines[i], ":")
		key = strings.ToLower(strings.TrimSpace(key))
		if !found || !known[key] {
			break
		}
		fields[key] = strings.TrimSpace(value)
	}
	body := strings.TrimSpace(strings.Join(lines[i:], "\n"))
	return fields, body
}

// ParseBanForm parses the reply to a ban prompt.
func ParseBanForm(text string) (*reddit.BanParams, error) {
	fields, _ := splitFields(text, "user", "days", "reason", "note", "message")

	username := strings.TrimPrefix(fields["user"], "u/")
	if username == "" {
		return nil, errors.New("a \"user:\" line is required")
	}

	days := 0
	if raw := fields["days"]; raw != "" {
		var err error
		days, err = strconv.Atoi(raw)
		if err != nil || days < 0 || days > 999 {
			return nil, fmt.Errorf("invalid days %q: use 0 (permanent) to 999", raw)
		}
	}

	return &reddit.BanParams{
		Username:     username,
		DurationDays: days,
		Reason:       fields["reason"],
		Note:         fields["note"],
		Message:      fields["message"],
	}, nil
}

// ParseRemovalForm parses the reply to a removal-message prompt.
func ParseRemovalForm(text string) (*action.RemovalMessage, error) {
	fields, body := splitFields(text, "title", "as_subreddit")
	if body == "" {
		return nil, errors.New("the removal explanation text is required")
	}

	public, err := parseYesNo(fields["as_subreddit"], true)
	if err != nil {
		return nil, fmt.Errorf("invalid as_subreddit %q: use yes or no", fields["as_subreddit"])
	}

	return &action.RemovalMessage{
		Title:             fields["title"],
		Body:              body,
		PublicAsSubreddit: public,
	}, nil
}

// ParseReplyForm parses the reply to a mod-reply prompt.
func ParseReplyForm(text string) (*action.ReplyParams, error) {
	fields, body := splitFields(text, "remove", "sticky", "lock")
	if body == "" {
		return nil, errors.New("the reply text is required")
	}

	p := &action.ReplyParams{Body: body}
	var err error
	if p.RemoveFirst, err = parseYesNo(fields["remove"], false); err != nil {
		return nil, fmt.Errorf("invalid remove %q: use yes or no", fields["remove"])
	}
	if p.Sticky, err = parseYesNo(fields["sticky"], false); err != nil {
		return nil, fmt.Errorf("invalid sticky %q: use yes or no", fields["sticky"])
	}
	if p.LockThread, err = parseYesNo(fields["lock"], false); err != nil {
		return nil, fmt.Errorf("invalid lock %q: use yes or no", fields["lock"])
	}
	return p, nil
}

func parseYesNo(raw string, fallback bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return fallback, nil
	case "yes", "true", "y":
		return true, nil
	case "no", "false", "n":
		return false, nil
	}
	return false, fmt.Errorf("not a yes/no value: %q", raw)
}

// ParseModmailForm parses the reply to a modmail prompt.
func ParseModmailForm(text string) (*action.Modmail, error) {
	fields, body := splitFields(text, "to", "subject")

	recipient := strings.TrimPrefix(fields["to"], "u/")
	if recipient == "" {
		return nil, errors.New("a \"to:\" line is required")
	}
	if fields["subject"] == "" {
		return nil, errors.New("a \"subject:\" line is required")
	}
	if body == "" {
		return nil, errors.New("the message text is required")
	}

	return &action.Modmail{
		Recipient: recipient,
		Subject:   fields["subject"],
		Body:      body,
	}, nil
}
