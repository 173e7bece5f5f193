package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"reddit_mod_bot/internal/config"
	"reddit_mod_bot/internal/model"
	"reddit_mod_bot/internal/reddit"
	"reddit_mod_bot/internal/storage"
)

// duplicateWindow bounds how far back an identical applied action still
// counts as a duplicate click rather than a deliberate repeat.
const duplicateWindow = time.Minute

// Moderator is the subset of the Reddit client the executor needs.
type Moderator interface {
	Approve(ctx context.Context, fullname string) error
	Remove(ctx context.Context, fullname string, spam bool) error
	SetLock(ctx context.Context, fullname string, locked bool) error
	SetIgnoreReports(ctx context.Context, fullname string, ignored bool) error
	BanUser(ctx context.Context, subreddit string, p reddit.BanParams) error
	SendRemovalMessage(ctx context.Context, fullname, title, body string, publicAsSubreddit bool) error
	SendModmail(ctx context.Context, subreddit, recipient, subject, body string) error
	PostReply(ctx context.Context, fullname, body string, sticky bool) error
	FetchItem(ctx context.Context, fullname string) (*model.ReportedItem, error)
	FetchModLog(ctx context.Context, subreddit string, limit int) ([]reddit.ModLogEntry, error)
}

// RemovalMessage carries the form fields of a removal-with-message action.
type RemovalMessage struct {
	Title             string
	Body              string
	PublicAsSubreddit bool
}

// Modmail carries the form fields of a modmail action.
type Modmail struct {
	Recipient string
	Subject   string
	Body      string
}

// ReplyParams carries the form fields of a mod-reply action. The reply is
// always distinguished as a moderator comment.
type ReplyParams struct {
	Body        string
	RemoveFirst bool
	Sticky      bool
	LockThread  bool
}

// Request is one moderation action to execute against one fullname.
type Request struct {
	Kind     model.ActionKind
	Fullname string
	Actor    Actor

	// Exactly one of these is set for the form-backed actions.
	Ban            *reddit.BanParams
	RemovalMessage *RemovalMessage
	Modmail        *Modmail
	Reply          *ReplyParams
}

// Result describes how a request ended. AuditLines are display lines to
// append to the alert's audit log; they are empty for skipped duplicates.
type Result struct {
	Outcome    model.ActionOutcome
	Detail     string
	AuditLines []string
}

// Executor runs moderation actions for a single setup.
type Executor struct {
	setup  config.Setup
	mod    Moderator
	store  storage.Storage
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an Executor for the given setup.
func NewExecutor(setup config.Setup, mod Moderator, store storage.Storage, logger *slog.Logger) *Executor {
	return &Executor{
		setup:  setup,
		mod:    mod,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Execute runs one action. The caller must have authorized the actor
// already. Every execution appends exactly one action-log entry, duplicate
// skips included.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if dup, err := e.isDuplicate(ctx, req); err != nil {
		return nil, err
	} else if dup {
		res := &Result{Outcome: model.OutcomeDuplicateSkipped, Detail: paramsKey(req)}
		if err := e.log(ctx, req, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	err := e.apply(ctx, req)
	switch {
	case err == nil:
		res := &Result{
			Outcome:    model.OutcomeApplied,
			Detail:     paramsKey(req),
			AuditLines: []string{e.auditLine(req.Actor, actionLabel(req.Kind))},
		}
		if err := e.transition(ctx, req); err != nil {
			return nil, err
		}
		if err := e.log(ctx, req, res); err != nil {
			return nil, err
		}
		return res, nil

	case errors.Is(err, reddit.ErrConflict):
		return e.reconcile(ctx, req)

	default:
		res := &Result{Outcome: model.OutcomeFailed, Detail: err.Error()}
		if logErr := e.log(ctx, req, res); logErr != nil {
			return nil, logErr
		}
		return res, fmt.Errorf("%s %s: %w", req.Kind, req.Fullname, err)
	}
}

// isDuplicate detects a repeated click: the same action already applied
// moments ago, or a terminal action whose target state the record already
// reached through that same action.
func (e *Executor) isDuplicate(ctx context.Context, req Request) (bool, error) {
	last, err := e.store.LastAction(ctx, req.Fullname)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load last action: %w", err)
	}
	if last.Kind != req.Kind || last.Outcome == model.OutcomeFailed {
		return false, nil
	}
	// The same kind with different parameters is a deliberate re-run, not a
	// repeated click.
	if key := paramsKey(req); key != "" && last.Detail != key {
		return false, nil
	}
	if e.now().Sub(last.CreatedAt) < duplicateWindow {
		return true, nil
	}
	if last.Outcome != model.OutcomeApplied && last.Outcome != model.OutcomeConflictReconciled {
		return false, nil
	}

	target, ok := targetState(req)
	if !ok {
		return false, nil
	}
	rec, err := e.store.GetDedupe(ctx, req.Fullname)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load dedupe record: %w", err)
	}
	return rec.State == target, nil
}

func (e *Executor) apply(ctx context.Context, req Request) error {
	switch req.Kind {
	case model.ActionApprove:
		if err := e.mod.Approve(ctx, req.Fullname); err != nil {
			return err
		}
		return e.markReviewed(ctx, req.Fullname)
	case model.ActionRemove:
		if err := e.mod.Remove(ctx, req.Fullname, false); err != nil {
			return err
		}
		return e.markReviewed(ctx, req.Fullname)
	case model.ActionSpam:
		if err := e.mod.Remove(ctx, req.Fullname, true); err != nil {
			return err
		}
		return e.markReviewed(ctx, req.Fullname)
	case model.ActionLock:
		return e.mod.SetLock(ctx, req.Fullname, true)
	case model.ActionUnlock:
		return e.mod.SetLock(ctx, req.Fullname, false)
	case model.ActionIgnore:
		return e.mod.SetIgnoreReports(ctx, req.Fullname, true)
	case model.ActionUnignore:
		return e.mod.SetIgnoreReports(ctx, req.Fullname, false)
	case model.ActionMarkHandled:
		return nil // bookkeeping only, nothing to do upstream
	case model.ActionBan:
		if req.Ban == nil {
			return errors.New("ban action without parameters")
		}
		return e.mod.BanUser(ctx, e.setup.Subreddit, *req.Ban)
	case model.ActionRemoveMessage:
		if req.RemovalMessage == nil {
			return errors.New("removal message action without parameters")
		}
		m := req.RemovalMessage
		return e.mod.SendRemovalMessage(ctx, req.Fullname, m.Title, m.Body, m.PublicAsSubreddit)
	case model.ActionModmail:
		if req.Modmail == nil {
			return errors.New("modmail action without parameters")
		}
		m := req.Modmail
		return e.mod.SendModmail(ctx, e.setup.Subreddit, m.Recipient, m.Subject, m.Body)
	case model.ActionReply:
		if req.Reply == nil {
			return errors.New("reply action without parameters")
		}
		p := req.Reply
		if p.RemoveFirst {
			if err := e.mod.Remove(ctx, req.Fullname, false); err != nil {
				return err
			}
		}
		if err := e.mod.PostReply(ctx, req.Fullname, p.Body, p.Sticky); err != nil {
			return err
		}
		if p.LockThread {
			if err := e.mod.SetLock(ctx, req.Fullname, true); err != nil {
				e.logger.Warn("lock after reply failed",
					"fullname", req.Fullname, "error", err)
			}
		}
		if p.RemoveFirst {
			return e.markReviewed(ctx, req.Fullname)
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", req.Kind)
}

// Refresh re-fetches the item's live state so the alert view can be redrawn.
// It neither appends to the action log nor touches the dedupe state.
func (e *Executor) Refresh(ctx context.Context, fullname string) (*model.ReportedItem, error) {
	item, err := e.mod.FetchItem(ctx, fullname)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", fullname, err)
	}
	return item, nil
}

// markReviewed silences further reports after a resolving action so the
// item does not re-enter the queue. Best effort; the resolving action
// already succeeded.
func (e *Executor) markReviewed(ctx context.Context, fullname string) error {
	if err := e.mod.SetIgnoreReports(ctx, fullname, true); err != nil {
		e.logger.Warn("ignore reports after resolution failed",
			"fullname", fullname, "error", err)
	}
	return nil
}

// reconcile handles the item having been moderated out-of-band: instead of
// re-issuing the action it pulls the recent mod log and records what
// actually happened to the item.
func (e *Executor) reconcile(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Outcome: model.OutcomeConflictReconciled}

	limit := e.setup.ModlogFetchLimit
	if limit > 0 {
		entries, err := e.mod.FetchModLog(ctx, e.setup.Subreddit, limit)
		if err != nil {
			e.logger.Warn("mod log fetch for reconciliation failed",
				"fullname", req.Fullname, "error", err)
		}
		for _, entry := range entries {
			if entry.TargetFullname != req.Fullname {
				continue
			}
			line := entry.Action
			if entry.Details != "" {
				line += " (" + entry.Details + ")"
			}
			res.AuditLines = append(res.AuditLines,
				e.auditLineAt(entry.CreatedAt, entry.Moderator, line))
		}
	}
	if len(res.AuditLines) == 0 {
		res.AuditLines = []string{e.auditLine(req.Actor, "already handled elsewhere")}
	}
	res.Detail = strings.Join(res.AuditLines, "; ")

	// Whatever happened, the item is no longer actionable here.
	if _, err := e.store.Transition(ctx, req.Fullname,
		[]model.DedupeState{model.StateAlerted, model.StateIgnored}, model.StateHandled); err != nil {
		return nil, fmt.Errorf("transition after reconciliation: %w", err)
	}
	if err := e.log(ctx, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) transition(ctx context.Context, req Request) error {
	target, ok := targetState(req)
	if !ok {
		return nil
	}
	var from []model.DedupeState
	switch target {
	case model.StateHandled:
		from = []model.DedupeState{model.StateAlerted, model.StateIgnored}
	case model.StateIgnored:
		from = []model.DedupeState{model.StateAlerted}
	case model.StateAlerted:
		from = []model.DedupeState{model.StateIgnored}
	}
	moved, err := e.store.Transition(ctx, req.Fullname, from, target)
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", req.Fullname, target, err)
	}
	if !moved {
		e.logger.Debug("dedupe state unchanged", "fullname", req.Fullname, "target", string(target))
	}
	return nil
}

// targetState maps an action to the dedupe state it settles the record in.
// Actions that do not resolve the alert (lock, ban, modmail, a plain reply)
// leave the state alone.
func targetState(req Request) (model.DedupeState, bool) {
	switch req.Kind {
	case model.ActionApprove, model.ActionRemove, model.ActionSpam,
		model.ActionRemoveMessage, model.ActionMarkHandled:
		return model.StateHandled, true
	case model.ActionReply:
		if req.Reply != nil && req.Reply.RemoveFirst {
			return model.StateHandled, true
		}
	case model.ActionIgnore:
		return model.StateIgnored, true
	case model.ActionUnignore:
		return model.StateAlerted, true
	}
	return "", false
}

// paramsKey fingerprints the parameters that distinguish a repeated click
// from a deliberate re-run of the same action kind with different input.
// Parameterless actions have an empty key. Ban parameters stay readable in
// the action log; free-text bodies are hashed.
func paramsKey(req Request) string {
	switch req.Kind {
	case model.ActionBan:
		if req.Ban == nil {
			return ""
		}
		return fmt.Sprintf("u/%s duration=%d reason=%s",
			req.Ban.Username, req.Ban.DurationDays, req.Ban.Reason)
	case model.ActionRemoveMessage:
		if req.RemovalMessage == nil {
			return ""
		}
		return hashKey(req.RemovalMessage.Title, req.RemovalMessage.Body)
	case model.ActionModmail:
		if req.Modmail == nil {
			return ""
		}
		return hashKey(req.Modmail.Recipient, req.Modmail.Subject, req.Modmail.Body)
	case model.ActionReply:
		if req.Reply == nil {
			return ""
		}
		return hashKey(req.Reply.Body, strconv.FormatBool(req.Reply.RemoveFirst))
	}
	return ""
}

func hashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

func (e *Executor) log(ctx context.Context, req Request, res *Result) error {
	entry := &model.ActionLogEntry{
		Fullname:  req.Fullname,
		Kind:      req.Kind,
		ActorID:   req.Actor.ID,
		ActorName: req.Actor.Name,
		Outcome:   res.Outcome,
		Detail:    res.Detail,
	}
	if err := e.store.AppendAction(ctx, entry); err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

func (e *Executor) auditLine(actor Actor, what string) string {
	return e.auditLineAt(e.now(), actor.Name, what)
}

func (e *Executor) auditLineAt(at time.Time, who, what string) string {
	if who == "" {
		who = "unknown"
	}
	return fmt.Sprintf("%s - %s: %s", at.UTC().Format("15:04"), who, what)
}

func actionLabel(kind model.ActionKind) string {
	switch kind {
	case model.ActionApprove:
		return "approved"
	case model.ActionRemove:
		return "removed"
	case model.ActionSpam:
		return "removed as spam"
	case model.ActionLock:
		return "locked"
	case model.ActionUnlock:
		return "unlocked"
	case model.ActionIgnore:
		return "ignored reports"
	case model.ActionUnignore:
		return "unignored reports"
	case model.ActionMarkHandled:
		return "marked handled"
	case model.ActionBan:
		return "banned author"
	case model.ActionRemoveMessage:
		return "removed with message"
	case model.ActionModmail:
		return "sent modmail"
	case model.ActionReply:
		return "replied as mod"
	}
	return string(kind)
}
