// Package ingest turns raw report-queue listings into the per-cycle batch
// of items eligible for alerting.
package ingest

import (
	"context"
	"fmt"
	"time"

	"reddit_mod_bot/internal/config"
	"reddit_mod_bot/internal/model"
)

// ReportSource fetches the raw report queue for a subreddit.
type ReportSource interface {
	FetchReports(ctx context.Context, subreddit string, limit int) ([]model.ReportedItem, error)
}

// Result holds the outcome of one ingestion pass.
type Result struct {
	// Eligible items, oldest first, capped at the setup's per-poll maximum.
	Items []model.ReportedItem
	// Fetched is the raw listing size before filtering.
	Fetched int
	// DroppedOld counts items skipped because they exceeded the age limit.
	DroppedOld int
	// DroppedBelowThreshold counts items under the report-count threshold
	// for their kind.
	DroppedBelowThreshold int
}

// Ingester fetches and filters the report queue for one setup.
type Ingester struct {
	source ReportSource
	setup  config.Setup
	now    func() time.Time
}

// New creates an Ingester for the given setup.
func New(source ReportSource, setup config.Setup) *Ingester {
	return &Ingester{
		source: source,
		setup:  setup,
		now:    time.Now,
	}
}

// Collect fetches the report queue and returns the items that pass the
// setup's age and threshold filters, oldest first.
func (in *Ingester) Collect(ctx context.Context) (*Result, error) {
	items, err := in.source.FetchReports(ctx, in.setup.Subreddit, in.setup.MaxReportsPerPoll)
	if err != nil {
		return nil, fmt.Errorf("fetch reports for r/%s: %w", in.setup.Subreddit, err)
	}

	res := &Result{Fetched: len(items)}
	cutoff := time.Time{}
	if in.setup.MaxItemAge > 0 {
		cutoff = in.now().Add(-in.setup.MaxItemAge)
	}

	for _, item := range items {
		if !cutoff.IsZero() && item.CreatedAt.Before(cutoff) {
			res.DroppedOld++
			continue
		}
		if item.NumReports < in.threshold(item.Kind) {
			res.DroppedBelowThreshold++
			continue
		}
		res.Items = append(res.Items, item)
	}

	if len(res.Items) > in.setup.MaxReportsPerPoll {
		res.Items = res.Items[:in.setup.MaxReportsPerPoll]
	}
	return res, nil
}

func (in *Ingester) threshold(kind model.ThingKind) int {
	if kind == model.KindComment {
		return in.setup.CommentReportThreshold
	}
	return in.setup.PostReportThreshold
}
