package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"reddit_mod_bot/internal/model"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	store, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func reportedItem(fullname string, reports int) model.ReportedItem {
	return model.ReportedItem{
		Fullname:   fullname,
		Kind:       model.KindSubmission,
		Subreddit:  "golang",
		NumReports: reports,
	}
}

func TestShouldAlertFirstSighting(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	ok, err := store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 2))
	if err != nil {
		t.Fatalf("ShouldAlert() error = %v", err)
	}
	if !ok {
		t.Fatal("first sighting must alert")
	}

	rec, err := store.GetDedupe(ctx, "t3_abc")
	if err != nil {
		t.Fatalf("GetDedupe() error = %v", err)
	}
	if rec.State != model.StateAlerted {
		t.Errorf("state = %s, want %s", rec.State, model.StateAlerted)
	}
	if rec.ReportCount != 2 {
		t.Errorf("report count = %d, want 2", rec.ReportCount)
	}
}

func TestShouldAlertRetriesUntilAlertStored(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	if ok, _ := store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 1)); !ok {
		t.Fatal("first sighting must alert")
	}

	// No alert record was stored, so the dispatch is considered failed and
	// the next sighting retries.
	ok, err := store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 3))
	if err != nil {
		t.Fatalf("ShouldAlert() error = %v", err)
	}
	if !ok {
		t.Fatal("re-sighting without a stored alert must retry the dispatch")
	}

	if err := store.SaveAlert(ctx, &model.AlertRecord{
		Fullname: "t3_abc", SetupID: "main", ChatID: 1, MessageID: 7,
		Context: model.AlertContext{Item: reportedItem("t3_abc", 3)},
	}); err != nil {
		t.Fatalf("SaveAlert() error = %v", err)
	}

	ok, err = store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 5))
	if err != nil {
		t.Fatalf("ShouldAlert() error = %v", err)
	}
	if ok {
		t.Fatal("sighting with a stored alert must not alert again")
	}

	// The refresh still tracked the new report count.
	rec, err := store.GetDedupe(ctx, "t3_abc")
	if err != nil {
		t.Fatalf("GetDedupe() error = %v", err)
	}
	if rec.ReportCount != 5 {
		t.Errorf("report count = %d, want 5", rec.ReportCount)
	}
}

func TestShouldAlertIgnoredStaysSilent(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	if ok, _ := store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 1)); !ok {
		t.Fatal("first sighting must alert")
	}
	if _, err := store.Transition(ctx, "t3_abc",
		[]model.DedupeState{model.StateAlerted}, model.StateIgnored); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	// Report growth on an ignored item does not re-alert.
	ok, err := store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 50))
	if err != nil {
		t.Fatalf("ShouldAlert() error = %v", err)
	}
	if ok {
		t.Fatal("ignored item must not re-alert")
	}
}

func TestTransitionCAS(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	if ok, _ := store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 1)); !ok {
		t.Fatal("seed failed")
	}

	moved, err := store.Transition(ctx, "t3_abc",
		[]model.DedupeState{model.StateAlerted, model.StateIgnored}, model.StateHandled)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !moved {
		t.Fatal("transition from alerted should succeed")
	}

	// A second identical transition loses the compare-and-swap.
	moved, err = store.Transition(ctx, "t3_abc",
		[]model.DedupeState{model.StateAlerted, model.StateIgnored}, model.StateHandled)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if moved {
		t.Fatal("transition from handled must not succeed")
	}

	moved, err = store.Transition(ctx, "t3_missing",
		[]model.DedupeState{model.StateAlerted}, model.StateHandled)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if moved {
		t.Fatal("transition of a missing record must report false")
	}
}

func TestPruneDedupe(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	if ok, _ := store.ShouldAlert(ctx, "main", reportedItem("t3_abc", 1)); !ok {
		t.Fatal("seed failed")
	}

	time.Sleep(20 * time.Millisecond)

	n, err := store.PruneDedupe(ctx, "main", time.Millisecond)
	if err != nil {
		t.Fatalf("PruneDedupe() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := store.GetDedupe(ctx, "t3_abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDedupe() after prune error = %v, want ErrNotFound", err)
	}

	// Zero disables pruning.
	if n, err := store.PruneDedupe(ctx, "main", 0); err != nil || n != 0 {
		t.Fatalf("PruneDedupe(0) = %d, %v; want 0, nil", n, err)
	}
}

func TestAlertRoundTrip(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	rec := &model.AlertRecord{
		Fullname:  "t3_abc",
		SetupID:   "main",
		ChatID:    100,
		MessageID: 7,
		Context: model.AlertContext{
			Item:     reportedItem("t3_abc", 2),
			AuditLog: []string{"10:30 - alice: removed"},
		},
	}
	if err := store.SaveAlert(ctx, rec); err != nil {
		t.Fatalf("SaveAlert() error = %v", err)
	}

	got, err := store.GetAlert(ctx, "t3_abc")
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if diff := cmp.Diff(rec, got,
		cmpopts.IgnoreFields(model.AlertRecord{}, "CreatedAt", "UpdatedAt")); diff != "" {
		t.Errorf("alert mismatch (-want +got):\n%s", diff)
	}

	// Saving again overwrites the context without duplicating the row.
	rec.Context.Handled = true
	if err := store.SaveAlert(ctx, rec); err != nil {
		t.Fatalf("second SaveAlert() error = %v", err)
	}
	got, err = store.GetAlert(ctx, "t3_abc")
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if !got.Context.Handled {
		t.Error("updated context not persisted")
	}

	if err := store.DeleteAlert(ctx, "t3_abc"); err != nil {
		t.Fatalf("DeleteAlert() error = %v", err)
	}
	if _, err := store.GetAlert(ctx, "t3_abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAlert() after delete error = %v, want ErrNotFound", err)
	}
}

func TestRestoreAlerts(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	for _, fullname := range []string{"t3_a", "t3_b"} {
		if err := store.SaveAlert(ctx, &model.AlertRecord{
			Fullname: fullname, SetupID: "main", ChatID: 100, MessageID: 1,
			Context: model.AlertContext{Item: reportedItem(fullname, 1)},
		}); err != nil {
			t.Fatalf("SaveAlert(%s) error = %v", fullname, err)
		}
	}
	if err := store.SaveAlert(ctx, &model.AlertRecord{
		Fullname: "t3_other", SetupID: "second", ChatID: 200, MessageID: 1,
		Context: model.AlertContext{Item: reportedItem("t3_other", 1)},
	}); err != nil {
		t.Fatalf("SaveAlert(t3_other) error = %v", err)
	}

	recs, err := store.RestoreAlerts(ctx, "main")
	if err != nil {
		t.Fatalf("RestoreAlerts() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("restored %d alerts, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.SetupID != "main" {
			t.Errorf("restored alert from setup %q, want main", rec.SetupID)
		}
	}
}

func TestEvictExpiredAlerts(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	if err := store.SaveAlert(ctx, &model.AlertRecord{
		Fullname: "t3_a", SetupID: "main", ChatID: 100, MessageID: 1,
		Context: model.AlertContext{Item: reportedItem("t3_a", 1)},
	}); err != nil {
		t.Fatalf("SaveAlert() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	n, err := store.EvictExpiredAlerts(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("EvictExpiredAlerts() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if _, err := store.GetAlert(ctx, "t3_a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAlert() after evict error = %v, want ErrNotFound", err)
	}
}

func TestCountOpenAlerts(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	for _, fullname := range []string{"t3_a", "t3_b", "t3_c"} {
		if ok, _ := store.ShouldAlert(ctx, "main", reportedItem(fullname, 1)); !ok {
			t.Fatalf("seed %s failed", fullname)
		}
	}
	if _, err := store.Transition(ctx, "t3_b",
		[]model.DedupeState{model.StateAlerted}, model.StateIgnored); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := store.Transition(ctx, "t3_c",
		[]model.DedupeState{model.StateAlerted}, model.StateHandled); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	// Alerted and ignored count as open, handled does not.
	n, err := store.CountOpenAlerts(ctx, "main")
	if err != nil {
		t.Fatalf("CountOpenAlerts() error = %v", err)
	}
	if n != 2 {
		t.Errorf("open alerts = %d, want 2", n)
	}
}

func TestActionLog(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	if _, err := store.LastAction(ctx, "t3_abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LastAction() on empty log error = %v, want ErrNotFound", err)
	}

	entries := []*model.ActionLogEntry{
		{Fullname: "t3_abc", Kind: model.ActionLock, ActorID: 10, ActorName: "alice", Outcome: model.OutcomeApplied},
		{Fullname: "t3_abc", Kind: model.ActionRemove, ActorID: 10, ActorName: "alice", Outcome: model.OutcomeApplied},
		{Fullname: "t3_other", Kind: model.ActionApprove, ActorID: 20, ActorName: "bob", Outcome: model.OutcomeApplied},
	}
	for _, e := range entries {
		if err := store.AppendAction(ctx, e); err != nil {
			t.Fatalf("AppendAction() error = %v", err)
		}
		if e.ID == 0 || e.CreatedAt.IsZero() {
			t.Fatalf("AppendAction() did not populate id/created_at: %+v", e)
		}
	}

	last, err := store.LastAction(ctx, "t3_abc")
	if err != nil {
		t.Fatalf("LastAction() error = %v", err)
	}
	if last.Kind != model.ActionRemove {
		t.Errorf("last action = %s, want remove", last.Kind)
	}

	list, err := store.ListActions(ctx, "t3_abc", 10)
	if err != nil {
		t.Fatalf("ListActions() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d actions, want 2", len(list))
	}
	if list[0].Kind != model.ActionLock || list[1].Kind != model.ActionRemove {
		t.Errorf("actions out of order: %s, %s", list[0].Kind, list[1].Kind)
	}
}
