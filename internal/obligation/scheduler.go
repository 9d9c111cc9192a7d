// Package obligation derives feedback obligations from accepted meetings,
// negotiates their turnaround, and sends reminders before anything is due.
package obligation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/metrics"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/notify"
	"github.com/xaenox/karma-bot/internal/storage"
	"github.com/xaenox/karma-bot/internal/timezone"
	"go.uber.org/zap"
)

type Config struct {
	FeedbackDelay     time.Duration
	MinDays           int
	MaxDays           int
	ReminderTolerance time.Duration
}

func DefaultConfig() Config {
	return Config{
		FeedbackDelay:     30 * time.Minute,
		MinDays:           1,
		MaxDays:           7,
		ReminderTolerance: 5 * time.Minute,
	}
}

// reminderOffsets is how long before the due instant each reminder fires.
var reminderOffsets = []struct {
	kind   models.ReminderKind
	offset time.Duration
	label  string
}{
	{models.Reminder24h, 24 * time.Hour, "in 24 hours"},
	{models.Reminder1h, time.Hour, "in 1 hour"},
}

var (
	errAlreadyLinked = errors.New("feedback request already linked")
	errClaimed       = errors.New("reminder already claimed")
)

type Scheduler struct {
	cfg      Config
	store    storage.Storage
	notifier notify.Channel
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config, store storage.Storage, notifier notify.Channel, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// DayRange returns the selectable feedback turnaround in days.
func (s *Scheduler) DayRange() (int, int) { return s.cfg.MinDays, s.cfg.MaxDays }

// OnCommitmentAccepted records when the feedback request for c falls due.
func (s *Scheduler) OnCommitmentAccepted(ctx context.Context, c *models.MeetingCommitment) error {
	updated, err := s.store.UpdateMeetingCommitment(ctx, c.ID, func(m *models.MeetingCommitment) error {
		if m.FeedbackDueAt.IsZero() {
			m.FeedbackDueAt = m.End.Add(s.cfg.FeedbackDelay)
		}
		return nil
	})
	if err != nil {
		return storage.Translate(err, models.ErrUnknownCommitment)
	}
	c.FeedbackDueAt = updated.FeedbackDueAt
	s.logger.Info("Feedback scheduled",
		zap.String("commitment_id", c.ID),
		zap.Time("due_at", c.FeedbackDueAt))
	return nil
}

// SpawnDue creates the feedback request of every meeting whose feedback is
// due and asks the recruiter for the turnaround. Overlapping calls create
// and announce each request once.
func (s *Scheduler) SpawnDue(ctx context.Context, now time.Time) (int, error) {
	defer metrics.ObserveSweep("feedback_spawn", time.Now())

	candidates, err := s.store.ListMeetingCommitments(ctx, storage.CommitmentFilter{FeedbackDueBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("list due meetings: %w", err)
	}

	spawned := 0
	for _, c := range candidates {
		// commitments written before their due work was recorded
		due := c.FeedbackDueAt
		if due.IsZero() {
			due = c.End.Add(s.cfg.FeedbackDelay)
		}
		if due.After(now) {
			continue
		}

		req, err := s.spawn(ctx, c, now)
		if err != nil {
			if !errors.Is(err, errAlreadyLinked) {
				s.logger.Error("Failed to spawn feedback request", zap.Error(err), zap.String("commitment_id", c.ID))
			}
			continue
		}
		spawned++
		s.askForDays(ctx, req)
	}
	return spawned, nil
}

func (s *Scheduler) spawn(ctx context.Context, c *models.MeetingCommitment, now time.Time) (*models.FeedbackRequest, error) {
	req := &models.FeedbackRequest{
		ID:                  models.FeedbackRequestID(c.ID),
		MeetingCommitmentID: c.ID,
		RecruiterID:         c.RecruiterID,
		RecruiterName:       c.RecruiterName,
		CounterpartID:       c.CounterpartID,
		CounterpartName:     c.CounterpartName,
		Description:         c.Description,
		State:               models.FeedbackAwaitingDays,
		CreatedAt:           now.UTC(),
	}
	if err := s.store.CreateFeedbackRequest(ctx, req); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("create feedback request: %w", err)
		}
		// created by an earlier sweep that stopped before linking it
		if req, err = s.store.GetFeedbackRequest(ctx, req.ID); err != nil {
			return nil, fmt.Errorf("get feedback request: %w", err)
		}
	}

	_, err := s.store.UpdateMeetingCommitment(ctx, c.ID, func(m *models.MeetingCommitment) error {
		if m.FeedbackRequestID != "" {
			return errAlreadyLinked
		}
		m.FeedbackRequestID = req.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Transitions.WithLabelValues("feedback", string(req.State)).Inc()
	s.logger.Info("Feedback request spawned",
		zap.String("feedback_request_id", req.ID),
		zap.String("commitment_id", c.ID))
	return req, nil
}

func (s *Scheduler) askForDays(ctx context.Context, req *models.FeedbackRequest) {
	options := make([]notify.Option, 0, s.cfg.MaxDays-s.cfg.MinDays+1)
	for d := s.cfg.MinDays; d <= s.cfg.MaxDays; d++ {
		label := strconv.Itoa(d) + " days"
		if d == 1 {
			label = "1 day"
		}
		options = append(options, notify.Option{Label: label, Intent: intent.ChooseDays{RequestID: req.ID, Days: d}})
	}
	text := fmt.Sprintf("How many days do you need to send feedback to @%s about: %s?",
		req.CounterpartName, req.Description)
	notify.Deliver(ctx, s.notifier, s.logger, req.RecruiterID, text, options...)
}

// ChooseDays sets the turnaround; the due instant counts from the moment
// the request was created.
func (s *Scheduler) ChooseDays(ctx context.Context, actorID int64, requestID string, days int) (*models.FeedbackRequest, error) {
	if days < s.cfg.MinDays || days > s.cfg.MaxDays {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", models.ErrInvalidRange, days, s.cfg.MinDays, s.cfg.MaxDays)
	}

	req, err := s.updateRequest(ctx, requestID, func(r *models.FeedbackRequest) error {
		if r.RecruiterID != actorID {
			return models.ErrNotAuthorized
		}
		if r.State != models.FeedbackAwaitingDays {
			return models.ErrAlreadyResolved
		}
		due := timezone.AddOffset(r.CreatedAt, days, timezone.Days)
		r.Days = days
		r.DueAt = &due
		r.State = models.FeedbackAwaitingApproval
		return nil
	})
	if err != nil {
		return nil, err
	}

	zone := s.zoneOf(ctx, req.CounterpartID)
	text := fmt.Sprintf("@%s will send you feedback about %s by %s (%s). Approve?",
		req.RecruiterName, req.Description, timezone.FormatLocal(*req.DueAt, zone), zone)
	notify.Deliver(ctx, s.notifier, s.logger, req.CounterpartID, text,
		notify.Option{Label: "Approve", Intent: intent.ApproveFeedback{RequestID: req.ID}},
		notify.Option{Label: "Decline", Intent: intent.DeclineFeedback{RequestID: req.ID}},
	)
	return req, nil
}

// Approve turns the request into a feedback commitment.
func (s *Scheduler) Approve(ctx context.Context, actorID int64, requestID string) (*models.FeedbackCommitment, error) {
	current, err := s.store.GetFeedbackRequest(ctx, requestID)
	if err != nil {
		return nil, storage.Translate(err, models.ErrFeedbackRequestNotFound)
	}
	if current.CounterpartID != actorID {
		return nil, models.ErrNotAuthorized
	}
	if current.State == models.FeedbackApproved {
		if _, err := s.store.GetFeedbackCommitment(ctx, current.CommitmentID); errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Completing approved feedback request without commitment", zap.String("feedback_request_id", requestID))
			return s.commit(ctx, current)
		}
	}

	req, err := s.updateRequest(ctx, requestID, func(r *models.FeedbackRequest) error {
		if r.State != models.FeedbackAwaitingApproval {
			return models.ErrAlreadyResolved
		}
		r.State = models.FeedbackApproved
		r.CommitmentID = models.FeedbackCommitmentID(r.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, req)
}

func (s *Scheduler) commit(ctx context.Context, req *models.FeedbackRequest) (*models.FeedbackCommitment, error) {
	c := &models.FeedbackCommitment{
		ID:                  models.FeedbackCommitmentID(req.ID),
		FeedbackRequestID:   req.ID,
		MeetingCommitmentID: req.MeetingCommitmentID,
		RecruiterID:         req.RecruiterID,
		RecruiterName:       req.RecruiterName,
		CounterpartID:       req.CounterpartID,
		CounterpartName:     req.CounterpartName,
		Description:         req.Description,
		DueAt:               *req.DueAt,
		RecruiterOutcome:    models.OutcomePending,
		CounterpartOutcome:  models.OutcomePending,
		RemindersSent:       map[string]time.Time{},
		CreatedAt:           s.now().UTC(),
	}
	if err := s.store.CreateFeedbackCommitment(ctx, c); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, models.ErrAlreadyResolved
		}
		s.logger.Error("Failed to create feedback commitment", zap.Error(err), zap.String("feedback_request_id", req.ID))
		return nil, fmt.Errorf("create feedback commitment: %w", err)
	}
	metrics.CommitmentsCreated.WithLabelValues(string(models.KindFeedback)).Inc()
	s.logger.Info("Feedback commitment created",
		zap.String("commitment_id", c.ID),
		zap.Time("due_at", c.DueAt))

	for _, p := range []models.Party{models.PartyRecruiter, models.PartyCounterpart} {
		userID := c.PartyID(p)
		zone := s.zoneOf(ctx, userID)
		text := fmt.Sprintf("Feedback session confirmed: %s\nDue %s (%s)",
			c.Description, timezone.FormatLocal(c.DueAt, zone), zone)
		notify.Deliver(ctx, s.notifier, s.logger, userID, text)
	}
	return c, nil
}

// Decline rejects the proposed turnaround. The request is kept as declined.
func (s *Scheduler) Decline(ctx context.Context, actorID int64, requestID string) (*models.FeedbackRequest, error) {
	req, err := s.updateRequest(ctx, requestID, func(r *models.FeedbackRequest) error {
		if r.CounterpartID != actorID {
			return models.ErrNotAuthorized
		}
		if r.State != models.FeedbackAwaitingApproval {
			return models.ErrAlreadyResolved
		}
		r.State = models.FeedbackDeclined
		return nil
	})
	if err != nil {
		return nil, err
	}

	notify.Deliver(ctx, s.notifier, s.logger, req.RecruiterID,
		fmt.Sprintf("@%s declined the feedback session: %s", req.CounterpartName, req.Description))
	notify.Deliver(ctx, s.notifier, s.logger, req.CounterpartID,
		fmt.Sprintf("You declined the feedback session with @%s.", req.RecruiterName))
	return req, nil
}

func (s *Scheduler) updateRequest(ctx context.Context, id string, fn func(*models.FeedbackRequest) error) (*models.FeedbackRequest, error) {
	req, err := s.store.UpdateFeedbackRequest(ctx, id, fn)
	if err != nil {
		err = storage.Translate(err, models.ErrFeedbackRequestNotFound)
		if models.KindOf(err) == models.KindInvalidState {
			s.logger.Info("Ignored action on resolved feedback request",
				zap.String("feedback_request_id", id),
				zap.Error(err))
		}
		return nil, err
	}
	metrics.Transitions.WithLabelValues("feedback", string(req.State)).Inc()
	s.logger.Info("Feedback request transition",
		zap.String("feedback_request_id", req.ID),
		zap.String("state", string(req.State)))
	return req, nil
}

func (s *Scheduler) zoneOf(ctx context.Context, userID int64) string {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.logger.Warn("User lookup failed, using UTC", zap.Error(err), zap.Int64("user_id", userID))
		return "UTC"
	}
	return u.ZoneName()
}
