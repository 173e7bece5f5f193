// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"reddit_mod_bot/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations. It is the sole
// source of truth for dedupe state, alert view state, and the action log.
type Storage interface {
	// ShouldAlert decides whether an item sighted during a poll cycle needs a
	// new alert. On first sighting it creates the dedupe record in state
	// alerted and returns true. While a record exists it refreshes
	// last_seen/report_count and returns false, except when the record is
	// alerted with no stored alert (an earlier dispatch failed), in which
	// case it returns true so the dispatch is retried.
	ShouldAlert(ctx context.Context, setupID string, item model.ReportedItem) (bool, error)

	GetDedupe(ctx context.Context, fullname string) (*model.DedupeRecord, error)

	// Transition moves a dedupe record from one of the given states to the
	// target state. It reports false when the record is missing or not in an
	// accepted state, which makes it usable as a compare-and-swap under
	// concurrent actions on the same fullname.
	Transition(ctx context.Context, fullname string, from []model.DedupeState, to model.DedupeState) (bool, error)

	// PruneDedupe deletes records first seen more than maxAge ago, in any
	// state, and returns the number removed. A maxAge of zero disables
	// pruning.
	PruneDedupe(ctx context.Context, setupID string, maxAge time.Duration) (int64, error)

	SaveAlert(ctx context.Context, rec *model.AlertRecord) error
	GetAlert(ctx context.Context, fullname string) (*model.AlertRecord, error)
	DeleteAlert(ctx context.Context, fullname string) error
	RestoreAlerts(ctx context.Context, setupID string) ([]model.AlertRecord, error)

	// EvictExpiredAlerts deletes alert records older than ttl and returns the
	// number removed. The alert TTL is independent of the dedupe TTL.
	EvictExpiredAlerts(ctx context.Context, ttl time.Duration) (int64, error)

	CountOpenAlerts(ctx context.Context, setupID string) (int, error)

	AppendAction(ctx context.Context, entry *model.ActionLogEntry) error
	LastAction(ctx context.Context, fullname string) (*model.ActionLogEntry, error)
	ListActions(ctx context.Context, fullname string, limit int) ([]model.ActionLogEntry, error)

	Close() error
}
