package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_mod_bot/internal/model"
)

// auditTail bounds how many audit lines are rendered under an alert.
const auditTail = 8

// FormatAlert renders the alert message body for an item and its current
// interactive state.
func FormatAlert(ac model.AlertContext) string {
	item := ac.Item

	var b strings.Builder
	kind := "submission"
	if item.Kind == model.KindComment {
		kind = "comment"
	}
	if ac.Handled {
		fmt.Fprintf(&b, "✅ Handled %s in r/%s\n", kind, item.Subreddit)
	} else {
		fmt.Fprintf(&b, "🚨 Reported %s in r/%s\n", kind, item.Subreddit)
	}

	fmt.Fprintf(&b, "%s\n", item.Title)
	fmt.Fprintf(&b, "by u/%s • %d %s", item.Author, item.NumReports, plural(item.NumReports, "report"))
	if item.Kind == model.KindSubmission {
		fmt.Fprintf(&b, " • %d %s", item.NumComments, plural(item.NumComments, "comment"))
	}
	b.WriteString("\n")

	var flags []string
	if item.Locked {
		flags = append(flags, "locked")
	}
	if item.ReportsIgnored {
		flags = append(flags, "reports ignored")
	}
	if item.Removed {
		flags = append(flags, "removed")
	}
	if item.Approved {
		flags = append(flags, "approved")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, "[%s]\n", strings.Join(flags, ", "))
	}

	if len(item.UserReports) > 0 {
		b.WriteString("\nUser reports:\n")
		for _, r := range item.UserReports {
			fmt.Fprintf(&b, "  %s\n", r)
		}
	}
	if len(item.ModReports) > 0 {
		b.WriteString("\nMod reports:\n")
		for _, r := range item.ModReports {
			fmt.Fprintf(&b, "  %s\n", r)
		}
	}

	if item.Snippet != "" {
		fmt.Fprintf(&b, "\n%s\n", item.Snippet)
	}
	fmt.Fprintf(&b, "\n%s", item.Permalink)

	if len(ac.AuditLog) > 0 {
		b.WriteString("\n\nActivity:\n")
		tail := ac.AuditLog
		if len(tail) > auditTail {
			tail = tail[len(tail)-auditTail:]
		}
		for _, line := range tail {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// alertKeyboard builds the action buttons for an alert. Handled alerts get
// no buttons.
func alertKeyboard(ac model.AlertContext) *tgbotapi.InlineKeyboardMarkup {
	if ac.Handled {
		return nil
	}
	item := ac.Item

	btn := func(label string, kind model.ActionKind) tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardButtonData(label, callbackData(kind, item.Fullname))
	}

	lock := btn("🔒 Lock", model.ActionLock)
	if item.Locked {
		lock = btn("🔓 Unlock", model.ActionUnlock)
	}
	ignore := btn("🙈 Ignore", model.ActionIgnore)
	if item.ReportsIgnored {
		ignore = btn("👀 Unignore", model.ActionUnignore)
	}

	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			btn("✅ Approve", model.ActionApprove),
			btn("🗑 Remove", model.ActionRemove),
			btn("🚫 Spam", model.ActionSpam),
		),
		tgbotapi.NewInlineKeyboardRow(
			lock,
			ignore,
			btn("☑️ Handled", model.ActionMarkHandled),
		),
		tgbotapi.NewInlineKeyboardRow(
			btn("⛔ Ban", model.ActionBan),
			btn("📝 Remove+Msg", model.ActionRemoveMessage),
			btn("✉️ Modmail", model.ActionModmail),
		),
		tgbotapi.NewInlineKeyboardRow(
			btn("💬 Reply", model.ActionReply),
			btn("🔄 Refresh", model.ActionRefresh),
		),
	)
	return &kb
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
