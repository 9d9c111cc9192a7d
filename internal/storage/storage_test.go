package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xaenox/karma-bot/internal/models"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

// testStorage runs the behaviour every backend must share.
func testStorage(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("conditional update", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("concurrent updates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("meeting requests", func(t *testing.T) { testMeetingRequests(t, newStore(t)) })
	t.Run("commitment filters", func(t *testing.T) { testCommitmentFilters(t, newStore(t)) })
}

func testUsers(t *testing.T, s Storage) {
	ctx := context.Background()
	user := &models.User{ID: 1, Handle: "Alice", Role: models.RoleJobSeeker}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateUser(ctx, user); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second CreateUser error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetUserByHandle(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByHandle: %v", err)
	}
	if got.ID != 1 {
		t.Errorf("GetUserByHandle id = %d, want 1", got.ID)
	}
	if _, err := s.GetUser(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(2) error = %v, want ErrNotFound", err)
	}

	if err := s.CreateUser(ctx, &models.User{ID: 2, Handle: "bob", Role: models.RoleRecruiter}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	recruiters, err := s.ListUsers(ctx, UserFilter{Role: models.RoleRecruiter})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(recruiters) != 1 || recruiters[0].ID != 2 {
		t.Errorf("ListUsers(recruiter) = %+v, want only user 2", recruiters)
	}
}

func testConditionalUpdate(t *testing.T, s Storage) {
	ctx := context.Background()
	if err := s.CreateUser(ctx, &models.User{ID: 1, Handle: "alice"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	boom := errors.New("boom")
	_, err := s.UpdateUser(ctx, 1, func(u *models.User) error {
		u.Score = 100
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateUser error = %v, want boom", err)
	}
	got, _ := s.GetUser(ctx, 1)
	if got.Score != 0 {
		t.Errorf("score after failed update = %d, want 0", got.Score)
	}

	updated, err := s.UpdateUser(ctx, 1, func(u *models.User) error {
		u.Score += 10
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.Score != 10 {
		t.Errorf("returned score = %d, want 10", updated.Score)
	}

	if _, err := s.UpdateUser(ctx, 99, func(*models.User) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateUser(99) error = %v, want ErrNotFound", err)
	}
}

func testConcurrentUpdates(t *testing.T, s Storage) {
	ctx := context.Background()
	if err := s.CreateMeetingRequest(ctx, &models.MeetingRequest{ID: "r1", State: models.StateAwaitingDecision}); err != nil {
		t.Fatalf("CreateMeetingRequest: %v", err)
	}

	errTaken := errors.New("taken")
	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateMeetingRequest(ctx, "r1", func(r *models.MeetingRequest) error {
				if r.State != models.StateAwaitingDecision {
					return errTaken
				}
				r.State = models.StateAccepted
				r.CommitmentID = fmt.Sprintf("c%d", i)
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful transitions = %d, want 1", wins)
	}
}

func testMeetingRequests(t *testing.T, s Storage) {
	ctx := context.Background()
	req := &models.MeetingRequest{ID: "r1", ProposerID: 1, CounterpartID: 2, State: models.StateAwaitingDuration, Slots: []models.Slot{}}
	if err := s.CreateMeetingRequest(ctx, req); err != nil {
		t.Fatalf("CreateMeetingRequest: %v", err)
	}

	req.State = models.StateCanceled
	got, err := s.GetMeetingRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetMeetingRequest: %v", err)
	}
	if got.State != models.StateAwaitingDuration {
		t.Errorf("stored state changed through caller pointer: %s", got.State)
	}

	if err := s.DeleteMeetingRequest(ctx, "r1"); err != nil {
		t.Fatalf("DeleteMeetingRequest: %v", err)
	}
	if _, err := s.GetMeetingRequest(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMeetingRequest after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMeetingRequest(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func testCommitmentFilters(t *testing.T, s Storage) {
	ctx := context.Background()
	meetings := []*models.MeetingCommitment{
		{ID: "m1", RecruiterID: 1, CounterpartID: 2, Start: t0, End: t0.Add(time.Hour), FeedbackDueAt: t0.Add(90 * time.Minute)},
		{ID: "m2", RecruiterID: 1, CounterpartID: 3, Start: t0.Add(24 * time.Hour), End: t0.Add(25 * time.Hour), FeedbackDueAt: t0.Add(25*time.Hour + 30*time.Minute)},
		{ID: "m3", RecruiterID: 4, CounterpartID: 2, Start: t0.Add(-time.Hour), End: t0, FeedbackDueAt: t0.Add(30 * time.Minute), FeedbackRequestID: "f1", OutcomePromptedAt: ptr(t0)},
	}
	for _, m := range meetings {
		if err := s.CreateMeetingCommitment(ctx, m); err != nil {
			t.Fatalf("CreateMeetingCommitment: %v", err)
		}
	}
	if err := s.CreateFeedbackCommitment(ctx, &models.FeedbackCommitment{ID: "f1", RecruiterID: 4, CounterpartID: 2, DueAt: t0.Add(48 * time.Hour)}); err != nil {
		t.Fatalf("CreateFeedbackCommitment: %v", err)
	}

	tests := []struct {
		name   string
		filter CommitmentFilter
		want   []string
	}{
		{"party", CommitmentFilter{PartyID: 2}, []string{"m3", "m1"}},
		{"from", CommitmentFilter{From: ptr(t0)}, []string{"m1", "m2"}},
		{"to exclusive", CommitmentFilter{To: ptr(t0)}, []string{"m3"}},
		{"unprompted", CommitmentFilter{Unprompted: true, PartyID: 2}, []string{"m1"}},
		{"feedback due", CommitmentFilter{FeedbackDueBefore: ptr(t0.Add(2 * time.Hour))}, []string{"m1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListMeetingCommitments(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMeetingCommitments: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d commitments, want %v", len(got), tt.want)
			}
			for i, c := range got {
				if c.ID != tt.want[i] {
					t.Errorf("commitment[%d] = %s, want %s", i, c.ID, tt.want[i])
				}
			}
		})
	}

	feedback, err := s.ListFeedbackCommitments(ctx, CommitmentFilter{PartyID: 2, From: ptr(t0)})
	if err != nil {
		t.Fatalf("ListFeedbackCommitments: %v", err)
	}
	if len(feedback) != 1 || feedback[0].ID != "f1" {
		t.Errorf("ListFeedbackCommitments = %+v, want f1", feedback)
	}
	feedback, err = s.ListFeedbackCommitments(ctx, CommitmentFilter{FeedbackDueBefore: ptr(t0.Add(time.Hour))})
	if err != nil {
		t.Fatalf("ListFeedbackCommitments: %v", err)
	}
	if len(feedback) != 0 {
		t.Errorf("feedback matched a meeting-only filter: %+v", feedback)
	}
}

func TestTranslate(t *testing.T) {
	if err := Translate(ErrNotFound, models.ErrUserNotFound); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("Translate(ErrNotFound) = %v", err)
	}
	err := Translate(ErrConflict, models.ErrUserNotFound)
	if models.KindOf(err) != models.KindTransient || !errors.Is(err, ErrConflict) {
		t.Errorf("Translate(ErrConflict) = %v, kind %v", err, models.KindOf(err))
	}
	if Translate(nil, models.ErrUserNotFound) != nil {
		t.Error("Translate(nil) != nil")
	}
}
