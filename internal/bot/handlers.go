package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reddit_mod_bot/internal/model"
	"reddit_mod_bot/internal/scheduler"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, "Report queue bot is running. Use /help for a list of commands.")
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, strings.TrimSpace(`
Commands:
/sync [setup] - poll the report queue now
/health - polling status for every setup
/history <fullname> - action history for an item
/help - this message

Alerts arrive automatically; use the buttons under each alert to act on it.
`))
}

func (b *Bot) handleSync(ctx context.Context, chatID int64, args string) {
	setupID := args
	if setupID == "" {
		setup := b.setupFor(chatID)
		if setup == nil {
			b.reply(chatID, "This chat is not bound to a setup. Use /sync <setup>.")
			return
		}
		setupID = setup.SetupID
	}

	res, err := b.poller.TriggerNow(ctx, setupID)
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		b.reply(chatID, "A poll cycle is already running; try again shortly.")
		return
	case errors.Is(err, scheduler.ErrUnknownSetup):
		b.reply(chatID, fmt.Sprintf("Unknown setup %q.", setupID))
		return
	case err != nil:
		b.log.Error("manual sync", "setup", setupID, "error", err)
		b.reply(chatID, "Sync failed: "+err.Error())
		return
	}

	b.reply(chatID, fmt.Sprintf(
		"Synced %s: %d fetched, %d new alerts, %d too old, %d below threshold.",
		setupID, res.Fetched, res.Alerted, res.DroppedOld, res.DroppedBelowThreshold))
}

func (b *Bot) handleHealth(ctx context.Context, chatID int64) {
	statuses := b.poller.Status(ctx)
	if len(statuses) == 0 {
		b.reply(chatID, "No setups configured.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Polling status:\n")
	for _, st := range statuses {
		fmt.Fprintf(&sb, "\n%s (r/%s)\n", st.SetupID, st.Subreddit)
		if st.LastSuccess.IsZero() {
			sb.WriteString("  last success: never\n")
		} else {
			fmt.Fprintf(&sb, "  last success: %s\n", st.LastSuccess.Format("2006-01-02 15:04 UTC"))
		}
		if st.LastError != "" {
			fmt.Fprintf(&sb, "  last error: %s\n", st.LastError)
		}
		fmt.Fprintf(&sb, "  open alerts: %d\n", st.OpenAlerts)
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) handleHistory(ctx context.Context, chatID int64, args string) {
	fullname := strings.TrimSpace(args)
	if fullname == "" {
		b.reply(chatID, "Usage: /history <fullname>, e.g. /history t3_abc123")
		return
	}

	entries, err := b.store.ListActions(ctx, fullname, 20)
	if err != nil {
		b.log.Error("list actions", "fullname", fullname, "error", err)
		b.reply(chatID, "Could not load the action history.")
		return
	}
	if len(entries) == 0 {
		b.reply(chatID, fmt.Sprintf("No recorded actions for %s.", fullname))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Actions for %s:\n", fullname)
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n%s  %s by %s (%s)",
			e.CreatedAt.Format("2006-01-02 15:04"), e.Kind, e.ActorName, e.Outcome)
		if e.Detail != "" && e.Outcome != model.OutcomeApplied {
			fmt.Fprintf(&sb, "\n  %s", e.Detail)
		}
	}
	b.reply(chatID, sb.String())
}
