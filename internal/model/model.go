// Package model defines the domain types used across the application.
package model

import "time"

// ThingKind distinguishes the two reportable content kinds.
type ThingKind string

// Supported thing kinds.
const (
	KindSubmission ThingKind = "submission"
	KindComment    ThingKind = "comment"
)

// ReportedItem is one entry of the moderation report queue, normalized for
// this bot. It is produced fresh each poll cycle and never persisted.
type ReportedItem struct {
	Fullname       string    `json:"fullname"`
	Kind           ThingKind `json:"kind"`
	Subreddit      string    `json:"subreddit"`
	Author         string    `json:"author"`
	Permalink      string    `json:"permalink"`
	LinkURL        string    `json:"link_url,omitempty"`
	Title          string    `json:"title"`
	Snippet        string    `json:"snippet"`
	NumReports     int       `json:"num_reports"`
	NumComments    int       `json:"num_comments"`
	CreatedAt      time.Time `json:"created_at"`
	Locked         bool      `json:"locked"`
	ReportsIgnored bool      `json:"reports_ignored"`
	Removed        bool      `json:"removed"`
	Approved       bool      `json:"approved"`
	UserReports    []string  `json:"user_reports,omitempty"`
	ModReports     []string  `json:"mod_reports,omitempty"`
}

// DedupeState is the lifecycle state of a tracked fullname.
type DedupeState string

// Dedupe lifecycle states. A fullname with no record is implicitly new.
const (
	StateAlerted DedupeState = "alerted"
	StateHandled DedupeState = "handled"
	StateIgnored DedupeState = "ignored"
)

// DedupeRecord tracks one fullname so it is alerted on at most once while
// the record exists.
type DedupeRecord struct {
	Fullname         string
	SetupID          string
	State            DedupeState
	ReportCount      int
	FirstSeenAt      time.Time
	LastTransitionAt time.Time
}

// AlertContext is the reconstructible interactive state of a posted alert.
// It is serialized into the alert record so buttons keep working across a
// process restart.
type AlertContext struct {
	Item     ReportedItem `json:"item"`
	Handled  bool         `json:"handled"`
	AuditLog []string     `json:"audit_log,omitempty"`
}

// AlertRecord binds a fullname to its destination chat message and context.
type AlertRecord struct {
	Fullname  string
	SetupID   string
	ChatID    int64
	MessageID int
	Context   AlertContext
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionKind identifies one moderation action.
type ActionKind string

// Supported action kinds.
const (
	ActionApprove       ActionKind = "approve"
	ActionRemove        ActionKind = "remove"
	ActionSpam          ActionKind = "spam"
	ActionLock          ActionKind = "lock"
	ActionUnlock        ActionKind = "unlock"
	ActionIgnore        ActionKind = "ignore"
	ActionUnignore      ActionKind = "unignore"
	ActionMarkHandled   ActionKind = "handled"
	ActionBan           ActionKind = "ban"
	ActionRemoveMessage ActionKind = "removemsg"
	ActionModmail       ActionKind = "modmail"
	ActionReply         ActionKind = "reply"
	ActionRefresh       ActionKind = "refresh"
)

// ActionOutcome records how an action request ended.
type ActionOutcome string

// Action outcomes as stored in the action log. Authorization denials are
// never logged.
const (
	OutcomeApplied            ActionOutcome = "applied"
	OutcomeDuplicateSkipped   ActionOutcome = "duplicate-skipped"
	OutcomeConflictReconciled ActionOutcome = "conflict-reconciled"
	OutcomeFailed             ActionOutcome = "failed"
)

// ActionLogEntry is one append-only audit row for a moderation action.
type ActionLogEntry struct {
	ID        int64
	Fullname  string
	Kind      ActionKind
	ActorID   int64
	ActorName string
	Outcome   ActionOutcome
	Detail    string
	CreatedAt time.Time
}
