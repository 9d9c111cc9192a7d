package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/karma-bot/internal/models"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	// ErrConflict is returned when a conditional update keeps losing the
	// version race after all retries.
	ErrConflict = errors.New("document version conflict")
)

// Translate maps store errors onto domain errors: ErrNotFound becomes
// notFound and a lost version race becomes a transient store error.
// Anything else is returned unchanged.
func Translate(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return notFound
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: %w", models.ErrTransientStore, err)
	}
	return err
}

// Collection names shared by every backend.
const (
	collUsers               = "users"
	collMeetingRequests     = "meeting_requests"
	collMeetingCommitments  = "meeting_commitments"
	collFeedbackRequests    = "feedback_requests"
	collFeedbackCommitments = "feedback_commitments"
)

// Storage is the authoritative document store. Every Update* call is a
// per-document conditional update: fn runs against the current version and
// its changes are written only if no other writer got there first. If fn
// returns an error nothing is written and the error is returned unchanged.
type Storage interface {
	UserStorage
	MeetingStorage
	FeedbackStorage
	Ping(ctx context.Context) error
	Close() error
}

type UserStorage interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByHandle(ctx context.Context, handle string) (*models.User, error)
	UpdateUser(ctx context.Context, id int64, fn func(*models.User) error) (*models.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, error)
}

type MeetingStorage interface {
	CreateMeetingRequest(ctx context.Context, req *models.MeetingRequest) error
	GetMeetingRequest(ctx context.Context, id string) (*models.MeetingRequest, error)
	UpdateMeetingRequest(ctx context.Context, id string, fn func(*models.MeetingRequest) error) (*models.MeetingRequest, error)
	DeleteMeetingRequest(ctx context.Context, id string) error

	CreateMeetingCommitment(ctx context.Context, c *models.MeetingCommitment) error
	GetMeetingCommitment(ctx context.Context, id string) (*models.MeetingCommitment, error)
	UpdateMeetingCommitment(ctx context.Context, id string, fn func(*models.MeetingCommitment) error) (*models.MeetingCommitment, error)
	ListMeetingCommitments(ctx context.Context, filter CommitmentFilter) ([]*models.MeetingCommitment, error)
}

type FeedbackStorage interface {
	CreateFeedbackRequest(ctx context.Context, req *models.FeedbackRequest) error
	GetFeedbackRequest(ctx context.Context, id string) (*models.FeedbackRequest, error)
	UpdateFeedbackRequest(ctx context.Context, id string, fn func(*models.FeedbackRequest) error) (*models.FeedbackRequest, error)

	CreateFeedbackCommitment(ctx context.Context, c *models.FeedbackCommitment) error
	GetFeedbackCommitment(ctx context.Context, id string) (*models.FeedbackCommitment, error)
	UpdateFeedbackCommitment(ctx context.Context, id string, fn func(*models.FeedbackCommitment) error) (*models.FeedbackCommitment, error)
	ListFeedbackCommitments(ctx context.Context, filter CommitmentFilter) ([]*models.FeedbackCommitment, error)
}

// UserFilter selects users. Zero fields match anything.
type UserFilter struct {
	Role   models.Role
	Status models.SubscriptionStatus
}

func (f UserFilter) match(u *models.User) bool {
	if f.Role != "" && u.Role != f.Role {
		return false
	}
	if f.Status != "" && u.Subscription.Status != f.Status {
		return false
	}
	return true
}

// CommitmentFilter selects commitments by party and by their scheduled
// instant (meeting start or feedback due). Zero fields match anything.
type CommitmentFilter struct {
	PartyID int64
	From    *time.Time // scheduled instant >= From
	To      *time.Time // scheduled instant < To
	// Unprompted keeps only commitments whose outcome prompt was not sent.
	Unprompted bool
	// FeedbackDueBefore keeps meetings whose feedback request is due at or
	// before the given instant and has not been spawned yet.
	FeedbackDueBefore *time.Time
}

func (f CommitmentFilter) matchMeeting(c *models.MeetingCommitment) bool {
	if !f.matchCommon(c.RecruiterID, c.CounterpartID, c.Start, c.OutcomePromptedAt) {
		return false
	}
	if f.FeedbackDueBefore != nil {
		if c.FeedbackRequestID != "" || c.FeedbackDueAt.After(*f.FeedbackDueBefore) {
			return false
		}
	}
	return true
}

func (f CommitmentFilter) matchFeedback(c *models.FeedbackCommitment) bool {
	if f.FeedbackDueBefore != nil {
		return false
	}
	return f.matchCommon(c.RecruiterID, c.CounterpartID, c.DueAt, c.OutcomePromptedAt)
}

func (f CommitmentFilter) matchCommon(recruiterID, counterpartID int64, at time.Time, prompted *time.Time) bool {
	if f.PartyID != 0 && recruiterID != f.PartyID && counterpartID != f.PartyID {
		return false
	}
	if f.From != nil && at.Before(*f.From) {
		return false
	}
	if f.To != nil && !at.Before(*f.To) {
		return false
	}
	if f.Unprompted && prompted != nil {
		return false
	}
	return true
}
