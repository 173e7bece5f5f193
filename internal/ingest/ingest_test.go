package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"reddit_mod_bot/internal/config"
	"reddit_mod_bot/internal/model"
)

type fakeSource struct {
	items []model.ReportedItem
	err   error

	gotSubreddit string
	gotLimit     int
}

func (f *fakeSource) FetchReports(_ context.Context, subreddit string, limit int) ([]model.ReportedItem, error) {
	f.gotSubreddit = subreddit
	f.gotLimit = limit
	return f.items, f.err
}

func testSetup() config.Setup {
	return config.Setup{
		SetupID:                "main",
		Subreddit:              "golang",
		PostReportThreshold:    2,
		CommentReportThreshold: 1,
		MaxReportsPerPoll:      100,
		MaxItemAge:             72 * time.Hour,
	}
}

func TestCollect(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	post := func(fullname string, reports int, age time.Duration) model.ReportedItem {
		return model.ReportedItem{
			Fullname:   fullname,
			Kind:       model.KindSubmission,
			NumReports: reports,
			CreatedAt:  now.Add(-age),
		}
	}
	comment := func(fullname string, reports int, age time.Duration) model.ReportedItem {
		return model.ReportedItem{
			Fullname:   fullname,
			Kind:       model.KindComment,
			NumReports: reports,
			CreatedAt:  now.Add(-age),
		}
	}

	tests := []struct {
		name  string
		setup func(s *config.Setup)
		items []model.ReportedItem
		want  Result
	}{
		{
			name:  "empty queue",
			items: nil,
			want:  Result{},
		},
		{
			name: "passes eligible items oldest first",
			items: []model.ReportedItem{
				post("t3_old", 3, 10*time.Hour),
				comment("t1_new", 1, time.Hour),
			},
			want: Result{
				Items: []model.ReportedItem{
					post("t3_old", 3, 10*time.Hour),
					comment("t1_new", 1, time.Hour),
				},
				Fetched: 2,
			},
		},
		{
			name: "drops items over the age limit",
			items: []model.ReportedItem{
				post("t3_ancient", 5, 100*time.Hour),
				post("t3_fresh", 5, time.Hour),
			},
			want: Result{
				Items:      []model.ReportedItem{post("t3_fresh", 5, time.Hour)},
				Fetched:    2,
				DroppedOld: 1,
			},
		},
		{
			name: "applies per-kind thresholds",
			items: []model.ReportedItem{
				post("t3_one", 1, time.Hour),
				comment("t1_one", 1, time.Hour),
			},
			want: Result{
				Items:                 []model.ReportedItem{comment("t1_one", 1, time.Hour)},
				Fetched:               2,
				DroppedBelowThreshold: 1,
			},
		},
		{
			name:  "zero age limit disables the age filter",
			setup: func(s *config.Setup) { s.MaxItemAge = 0 },
			items: []model.ReportedItem{
				post("t3_ancient", 5, 1000*time.Hour),
			},
			want: Result{
				Items:   []model.ReportedItem{post("t3_ancient", 5, 1000*time.Hour)},
				Fetched: 1,
			},
		},
		{
			name:  "caps the batch at the per-poll maximum",
			setup: func(s *config.Setup) { s.MaxReportsPerPoll = 2 },
			items: []model.ReportedItem{
				post("t3_a", 5, 3*time.Hour),
				post("t3_b", 5, 2*time.Hour),
				post("t3_c", 5, time.Hour),
			},
			want: Result{
				Items: []model.ReportedItem{
					post("t3_a", 5, 3*time.Hour),
					post("t3_b", 5, 2*time.Hour),
				},
				Fetched: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := testSetup()
			if tt.setup != nil {
				tt.setup(&setup)
			}
			src := &fakeSource{items: tt.items}
			in := New(src, setup)
			in.now = func() time.Time { return now }

			got, err := in.Collect(context.Background())
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if diff := cmp.Diff(&tt.want, got); diff != "" {
				t.Errorf("Collect() mismatch (-want +got):\n%s", diff)
			}
			if src.gotSubreddit != setup.Subreddit {
				t.Errorf("fetched subreddit = %q, want %q", src.gotSubreddit, setup.Subreddit)
			}
			if src.gotLimit != setup.MaxReportsPerPoll {
				t.Errorf("fetch limit = %d, want %d", src.gotLimit, setup.MaxReportsPerPoll)
			}
		})
	}
}

func TestCollectFetchError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	in := New(src, testSetup())

	if _, err := in.Collect(context.Background()); err == nil {
		t.Fatal("Collect() error = nil, want fetch error")
	}
}
