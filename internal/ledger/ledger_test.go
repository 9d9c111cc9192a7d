package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/notify/notifytest"
	"github.com/xaenox/karma-bot/internal/storage"
	"go.uber.org/zap"
)

const (
	recruiterID = int64(1)
	seekerID    = int64(2)
	outsiderID  = int64(3)
)

var start = time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*Ledger, *storage.MemoryStorage, *notifytest.Recorder) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	for _, u := range []*models.User{
		{ID: recruiterID, Handle: "rita", Role: models.RoleRecruiter},
		{ID: seekerID, Handle: "sam", Role: models.RoleJobSeeker},
		{ID: outsiderID, Handle: "olga", Role: models.RoleJobSeeker},
	} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	if err := store.CreateMeetingCommitment(ctx, &models.MeetingCommitment{
		ID:                 "m1",
		RecruiterID:        recruiterID,
		RecruiterName:      "rita",
		CounterpartID:      seekerID,
		CounterpartName:    "sam",
		Description:        "Go interview",
		Start:              start,
		End:                start.Add(time.Hour),
		RecruiterOutcome:   models.OutcomePending,
		CounterpartOutcome: models.OutcomePending,
	}); err != nil {
		t.Fatalf("CreateMeetingCommitment: %v", err)
	}
	rec := &notifytest.Recorder{}
	return New(DefaultConfig(), store, rec, zap.NewNop()), store, rec
}

func TestReportOutcome(t *testing.T) {
	l, store, rec := newLedger(t)
	ctx := context.Background()

	r, err := l.ReportOutcome(ctx, recruiterID, models.KindMeeting, "m1", models.OutcomeAttended)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if r.Delta != 10 || r.Score != 10 || r.Repeated || r.Party != models.PartyRecruiter {
		t.Errorf("first report = %+v", r)
	}

	prompts := rec.For(seekerID)
	if len(prompts) != 1 || len(prompts[0].Options) != 2 {
		t.Fatalf("counterpart prompts = %+v", prompts)
	}
	yes, ok := prompts[0].Options[0].Intent.(intent.ReportOutcome)
	if !ok || yes.CommitmentID != "m1" || yes.Outcome != models.OutcomeAttended {
		t.Errorf("yes option = %#v", prompts[0].Options[0].Intent)
	}

	r, err = l.ReportOutcome(ctx, recruiterID, models.KindMeeting, "m1", models.OutcomeMissed)
	if err != nil {
		t.Fatalf("repeat ReportOutcome: %v", err)
	}
	if !r.Repeated || r.Delta != 0 || r.Score != 10 || r.Outcome != models.OutcomeAttended {
		t.Errorf("repeated report = %+v", r)
	}
	if len(rec.For(seekerID)) != 1 {
		t.Error("counterpart prompted again on a repeated report")
	}

	rec.Reset()
	r, err = l.ReportOutcome(ctx, seekerID, models.KindMeeting, "m1", models.OutcomeMissed)
	if err != nil {
		t.Fatalf("counterpart ReportOutcome: %v", err)
	}
	if r.Delta != -10 || r.Score != -10 {
		t.Errorf("counterpart report = %+v", r)
	}
	if len(rec.For(recruiterID)) != 0 {
		t.Error("recruiter prompted after already reporting")
	}

	c, _ := store.GetMeetingCommitment(ctx, "m1")
	if !c.Resolved() {
		t.Errorf("commitment not resolved: %s/%s", c.RecruiterOutcome, c.CounterpartOutcome)
	}
}

func TestReportOutcomeRejections(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   int64
		kind    models.CommitmentKind
		id      string
		outcome models.Outcome
		want    error
	}{
		{"wrong outcome for kind", recruiterID, models.KindMeeting, "m1", models.OutcomeFulfilled, models.ErrInvalidOutcome},
		{"pending", recruiterID, models.KindMeeting, "m1", models.OutcomePending, models.ErrInvalidOutcome},
		{"not a party", outsiderID, models.KindMeeting, "m1", models.OutcomeAttended, models.ErrNotAuthorized},
		{"unknown commitment", recruiterID, models.KindMeeting, "nope", models.OutcomeAttended, models.ErrUnknownCommitment},
		{"unknown feedback", recruiterID, models.KindFeedback, "m1", models.OutcomeFulfilled, models.ErrUnknownCommitment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.ReportOutcome(ctx, tt.actor, tt.kind, tt.id, tt.outcome); !errors.Is(err, tt.want) {
				t.Errorf("ReportOutcome error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReportOutcomeScoresRecordedButUnscoredReport(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()

	// an earlier call recorded the outcome and failed before scoring
	store.UpdateMeetingCommitment(ctx, "m1", func(c *models.MeetingCommitment) error {
		c.RecruiterOutcome = models.OutcomeAttended
		return nil
	})

	r, err := l.ReportOutcome(ctx, recruiterID, models.KindMeeting, "m1", models.OutcomeAttended)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if !r.Repeated || r.Delta != 10 || r.Score != 10 {
		t.Errorf("report = %+v, want the pending score applied", r)
	}
	r, _ = l.ReportOutcome(ctx, recruiterID, models.KindMeeting, "m1", models.OutcomeAttended)
	if r.Delta != 0 || r.Score != 10 {
		t.Errorf("second report = %+v, want no further change", r)
	}
}

// racingStore runs the first meeting update against a stale copy, then lets
// a concurrent writer record the recruiter's outcome before the retry.
type racingStore struct {
	*storage.MemoryStorage
	raced bool
}

func (r *racingStore) UpdateMeetingCommitment(ctx context.Context, id string, fn func(*models.MeetingCommitment) error) (*models.MeetingCommitment, error) {
	if !r.raced {
		r.raced = true
		stale, err := r.MemoryStorage.GetMeetingCommitment(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(stale); err != nil {
			return nil, err
		}
		r.MemoryStorage.UpdateMeetingCommitment(ctx, id, func(c *models.MeetingCommitment) error {
			c.RecruiterOutcome = models.OutcomeAttended
			return nil
		})
	}
	return r.MemoryStorage.UpdateMeetingCommitment(ctx, id, fn)
}

func TestReportOutcomeRetryAfterConcurrentReport(t *testing.T) {
	_, mem, rec := newLedger(t)
	l := New(DefaultConfig(), &racingStore{MemoryStorage: mem}, rec, zap.NewNop())

	r, err := l.ReportOutcome(context.Background(), recruiterID, models.KindMeeting, "m1", models.OutcomeAttended)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if !r.Repeated {
		t.Errorf("report = %+v, want repeated after the concurrent write", r)
	}
	if msgs := rec.For(seekerID); len(msgs) != 0 {
		t.Errorf("counterpart prompted %d times by the losing report", len(msgs))
	}
}

func TestFeedbackOutcome(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()
	if err := store.CreateFeedbackCommitment(ctx, &models.FeedbackCommitment{
		ID:                 "f1",
		RecruiterID:        recruiterID,
		CounterpartID:      seekerID,
		DueAt:              start.Add(72 * time.Hour),
		RecruiterOutcome:   models.OutcomePending,
		CounterpartOutcome: models.OutcomePending,
	}); err != nil {
		t.Fatalf("CreateFeedbackCommitment: %v", err)
	}

	r, err := l.ReportOutcome(ctx, recruiterID, models.KindFeedback, "f1", models.OutcomeFulfilled)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if r.Delta != 10 {
		t.Errorf("delta = %d, want 10", r.Delta)
	}

	// meeting and feedback scores are tracked separately
	r, err = l.ReportOutcome(ctx, recruiterID, models.KindMeeting, "m1", models.OutcomeAttended)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if r.Score != 20 {
		t.Errorf("score = %d, want 20", r.Score)
	}
}

func TestPromptDue(t *testing.T) {
	l, _, rec := newLedger(t)
	ctx := context.Background()
	end := start.Add(time.Hour)

	if n, err := l.PromptDue(ctx, end.Add(29*time.Minute)); err != nil || n != 0 {
		t.Fatalf("PromptDue before delay = %d, %v; want 0", n, err)
	}
	n, err := l.PromptDue(ctx, end.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PromptDue = %d, %v; want 1", n, err)
	}
	if len(rec.For(recruiterID)) != 1 || len(rec.For(seekerID)) != 1 {
		t.Errorf("prompts = %+v, want one per party", rec.Messages())
	}
	if n, _ := l.PromptDue(ctx, end.Add(time.Hour)); n != 0 {
		t.Errorf("second PromptDue = %d, want 0", n)
	}
}

func TestPromptDueSkipsReportedParty(t *testing.T) {
	l, _, rec := newLedger(t)
	ctx := context.Background()

	if _, err := l.ReportOutcome(ctx, seekerID, models.KindMeeting, "m1", models.OutcomeAttended); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	rec.Reset()

	if n, err := l.PromptDue(ctx, start.Add(2*time.Hour)); err != nil || n != 1 {
		t.Fatalf("PromptDue = %d, %v; want 1", n, err)
	}
	if len(rec.For(seekerID)) != 0 {
		t.Error("party that already reported was prompted")
	}
	if len(rec.For(recruiterID)) != 1 {
		t.Error("pending party not prompted")
	}
}
