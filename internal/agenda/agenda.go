// Package agenda lists a user's commitments projected into their zone.
package agenda

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/storage"
	"github.com/xaenox/karma-bot/internal/timezone"
)

// Entry is one commitment as seen by one of its parties.
type Entry struct {
	Kind         models.CommitmentKind
	CommitmentID string
	With         string
	Description  string
	At           time.Time
	// Local is At rendered in the viewer's zone.
	Local   string
	Zone    string
	Outcome models.Outcome
}

type Service struct {
	store storage.Storage
	now   func() time.Time
}

func New(store storage.Storage) *Service {
	return &Service{store: store, now: time.Now}
}

// Upcoming returns the user's commitments of kind scheduled from now on,
// soonest first.
func (s *Service) Upcoming(ctx context.Context, userID int64, kind models.CommitmentKind) ([]Entry, error) {
	now := s.now()
	return s.list(ctx, userID, kind, storage.CommitmentFilter{PartyID: userID, From: &now})
}

// History returns the user's past commitments of kind, most recent first.
func (s *Service) History(ctx context.Context, userID int64, kind models.CommitmentKind) ([]Entry, error) {
	now := s.now()
	entries, err := s.list(ctx, userID, kind, storage.CommitmentFilter{PartyID: userID, To: &now})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Service) list(ctx context.Context, userID int64, kind models.CommitmentKind, filter storage.CommitmentFilter) ([]Entry, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}
	zone := user.ZoneName()

	var entries []Entry
	switch kind {
	case models.KindMeeting:
		meetings, err := s.store.ListMeetingCommitments(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list meetings: %w", err)
		}
		for _, c := range meetings {
			p, _ := c.PartyOf(userID)
			entries = append(entries, entry(kind, c.ID, otherName(p, c.RecruiterName, c.CounterpartName), c.Description, c.Start, zone, c.Outcome(p)))
		}
	case models.KindFeedback:
		feedback, err := s.store.ListFeedbackCommitments(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list feedback: %w", err)
		}
		for _, c := range feedback {
			p, _ := c.PartyOf(userID)
			entries = append(entries, entry(kind, c.ID, otherName(p, c.RecruiterName, c.CounterpartName), c.Description, c.DueAt, zone, c.Outcome(p)))
		}
	default:
		return nil, models.ErrUnknownCommitment
	}
	return entries, nil
}

func entry(kind models.CommitmentKind, id, with, description string, at time.Time, zone string, outcome models.Outcome) Entry {
	return Entry{
		Kind:         kind,
		CommitmentID: id,
		With:         with,
		Description:  description,
		At:           at,
		Local:        timezone.FormatLocal(at, zone),
		Zone:         zone,
		Outcome:      outcome,
	}
}

func otherName(p models.Party, recruiter, counterpart string) string {
	if p == models.PartyRecruiter {
		return counterpart
	}
	return recruiter
}
