// Package negotiation runs the meeting proposal state machine: a recruiter
// drafts a request (duration, date, candidate slots), submits it, and the
// counterpart accepts one slot, declines, or either side cancels.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/karma-bot/internal/entitlement"
	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/metrics"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/notify"
	"github.com/xaenox/karma-bot/internal/storage"
	"github.com/xaenox/karma-bot/internal/timezone"
	"go.uber.org/zap"
)

type Config struct {
	Durations      []int
	MaxSlots       int
	DateWindowDays int
	DayStart       string
	DayEnd         string
	SlotStep       time.Duration
	TrialDays      int
}

func DefaultConfig() Config {
	return Config{
		Durations:      []int{30, 45, 60, 90, 120},
		MaxSlots:       3,
		DateWindowDays: 14,
		DayStart:       "09:00",
		DayEnd:         "19:30",
		SlotStep:       30 * time.Minute,
		TrialDays:      14,
	}
}

// Entitlement gates proposals and grants the first-meeting trial.
type Entitlement interface {
	Check(ctx context.Context, userID int64, action entitlement.Action) error
	GrantTrial(ctx context.Context, userID int64, days int, now time.Time) (bool, error)
}

// Scheduler receives every new meeting commitment.
type Scheduler interface {
	OnCommitmentAccepted(ctx context.Context, c *models.MeetingCommitment) error
}

type Engine struct {
	cfg         Config
	store       storage.Storage
	notifier    notify.Channel
	entitlement Entitlement
	scheduler   Scheduler
	logger      *zap.Logger
	now         func() time.Time
}

func New(cfg Config, store storage.Storage, notifier notify.Channel, ent Entitlement, scheduler Scheduler, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       store,
		notifier:    notifier,
		entitlement: ent,
		scheduler:   scheduler,
		logger:      logger,
		now:         time.Now,
	}
}

// Durations returns the selectable meeting lengths in minutes.
func (e *Engine) Durations() []int { return e.cfg.Durations }

// MaxSlots returns the cap on candidate slots per request.
func (e *Engine) MaxSlots() int { return e.cfg.MaxSlots }

// DateOptions returns the selectable dates for a proposer in zone.
func (e *Engine) DateOptions(zone string) []string {
	return timezone.DateOptions(e.now(), zone, e.cfg.DateWindowDays)
}

// TimeOptions returns the selectable wall clock times.
func (e *Engine) TimeOptions() []string {
	opts, err := timezone.TimeOptions(e.cfg.DayStart, e.cfg.DayEnd, e.cfg.SlotStep)
	if err != nil {
		e.logger.Error("Invalid time option range", zap.Error(err))
		return nil
	}
	return opts
}

// Propose opens a new request from a recruiter to the user with the given
// handle.
func (e *Engine) Propose(ctx context.Context, proposerID int64, counterpartHandle, description string) (*models.MeetingRequest, error) {
	proposer, err := e.store.GetUser(ctx, proposerID)
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}
	if proposer.Role != models.RoleRecruiter {
		return nil, models.ErrNotAuthorized
	}
	if err := e.entitlement.Check(ctx, proposerID, entitlement.ActionPropose); err != nil {
		return nil, err
	}

	handle := intent.NormalizeHandle(counterpartHandle)
	if handle == "" {
		return nil, models.ErrCounterpartNotFound
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, models.ErrEmptyDescription
	}
	counterpart, err := e.store.GetUserByHandle(ctx, handle)
	if err != nil {
		return nil, storage.Translate(err, models.ErrCounterpartNotFound)
	}
	if counterpart.ID == proposer.ID {
		return nil, fmt.Errorf("%w: cannot propose a meeting to yourself", models.ErrNotAuthorized)
	}

	now := e.now().UTC()
	req := &models.MeetingRequest{
		ID:              uuid.New().String(),
		ProposerID:      proposer.ID,
		ProposerName:    proposer.Handle,
		CounterpartID:   counterpart.ID,
		CounterpartName: counterpart.Handle,
		Description:     description,
		Slots:           []models.Slot{},
		State:           models.StateAwaitingDuration,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateMeetingRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create meeting request: %w", err)
	}

	e.transitioned(req)
	return req, nil
}

// ChooseDuration sets the meeting length. It may be changed until the
// request is submitted.
func (e *Engine) ChooseDuration(ctx context.Context, actorID int64, requestID string, minutes int) (*models.MeetingRequest, error) {
	if !e.validDuration(minutes) {
		return nil, fmt.Errorf("%w: %d minutes", models.ErrInvalidDuration, minutes)
	}

	req, err := e.updateRequest(ctx, requestID, func(r *models.MeetingRequest) error {
		if err := draftGuard(r, actorID); err != nil {
			return err
		}
		r.DurationMinutes = minutes
		if r.State == models.StateAwaitingDuration {
			r.State = models.StateAwaitingDate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.transitioned(req)
	return req, nil
}

// ChooseDate records the date whose times are offered next.
func (e *Engine) ChooseDate(ctx context.Context, actorID int64, requestID, date string) (*models.MeetingRequest, error) {
	if _, err := time.Parse(timezone.DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date %q", models.ErrInvalidDateTime, date)
	}

	req, err := e.updateRequest(ctx, requestID, func(r *models.MeetingRequest) error {
		if err := draftGuard(r, actorID); err != nil {
			return err
		}
		if r.DurationMinutes == 0 {
			return models.ErrDurationNotChosen
		}
		r.PendingDate = date
		if r.State == models.StateAwaitingDate {
			r.State = models.StateAwaitingSlots
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.transitioned(req)
	return req, nil
}

// AddSlot adds a candidate slot in the proposer's zone. Adding a slot that
// is already present changes nothing.
func (e *Engine) AddSlot(ctx context.Context, actorID int64, requestID, date, clock string) (*models.MeetingRequest, error) {
	proposer, err := e.store.GetUser(ctx, actorID)
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}
	start, err := timezone.ResolveLocal(date, clock, proposer.ZoneName())
	if err != nil {
		return nil, err
	}
	if !start.After(e.now()) {
		return nil, fmt.Errorf("%w: %s %s is in the past", models.ErrInvalidSlot, date, clock)
	}

	slot := models.Slot{Date: date, Time: clock}
	req, err := e.updateRequest(ctx, requestID, func(r *models.MeetingRequest) error {
		if err := draftGuard(r, actorID); err != nil {
			return err
		}
		if r.DurationMinutes == 0 {
			return models.ErrDurationNotChosen
		}
		if r.HasSlot(slot) {
			return nil
		}
		if len(r.Slots) >= e.cfg.MaxSlots {
			return models.ErrSlotLimitReached
		}
		r.Slots = append(r.Slots, slot)
		r.State = models.StateAwaitingSubmission
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.transitioned(req)
	return req, nil
}

// Submit resolves every slot to UTC and asks the counterpart to pick one.
func (e *Engine) Submit(ctx context.Context, actorID int64, requestID string) (*models.MeetingRequest, error) {
	proposer, err := e.store.GetUser(ctx, actorID)
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}

	req, err := e.updateRequest(ctx, requestID, func(r *models.MeetingRequest) error {
		if err := draftGuard(r, actorID); err != nil {
			return err
		}
		if len(r.Slots) == 0 {
			return models.ErrNoSlotsSelected
		}
		if r.DurationMinutes == 0 {
			return models.ErrDurationNotChosen
		}
		resolved := make([]time.Time, 0, len(r.Slots))
		for _, s := range r.Slots {
			start, err := timezone.ResolveLocal(s.Date, s.Time, proposer.ZoneName())
			if err != nil {
				return err
			}
			resolved = append(resolved, start)
		}
		r.ResolvedSlots = resolved
		r.State = models.StateAwaitingDecision
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.transitioned(req)

	zone := "UTC"
	if counterpart, err := e.store.GetUser(ctx, req.CounterpartID); err == nil {
		zone = counterpart.ZoneName()
	} else {
		e.logger.Warn("Counterpart lookup failed, showing slots in UTC",
			zap.Error(err),
			zap.Int64("user_id", req.CounterpartID))
	}

	options := make([]notify.Option, 0, len(req.ResolvedSlots)+1)
	for _, start := range req.ResolvedSlots {
		options = append(options, notify.Option{
			Label:  timezone.FormatLocal(start, zone),
			Intent: intent.Accept{RequestID: req.ID, Start: start},
		})
	}
	options = append(options, notify.Option{Label: "Decline", Intent: intent.Decline{RequestID: req.ID}})

	text := fmt.Sprintf("@%s invites you to a %d-minute meeting: %s\nPick a time (%s):",
		req.ProposerName, req.DurationMinutes, req.Description, zone)
	notify.Deliver(ctx, e.notifier, e.logger, req.CounterpartID, text, options...)

	return req, nil
}

// Accept turns the request into a commitment at start, which must be one of
// the submitted slots. Of concurrent accepts exactly one succeeds.
func (e *Engine) Accept(ctx context.Context, actorID int64, requestID string, start time.Time) (*models.MeetingCommitment, error) {
	current, err := e.store.GetMeetingRequest(ctx, requestID)
	if err != nil {
		return nil, storage.Translate(err, models.ErrRequestNotFound)
	}
	if current.CounterpartID != actorID {
		return nil, models.ErrNotAuthorized
	}
	// An accepted request whose commitment was never written is finished
	// here instead of being reported as resolved.
	if current.State == models.StateAccepted && current.AcceptedSlot != nil {
		if _, err := e.store.GetMeetingCommitment(ctx, current.CommitmentID); errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("Completing accepted request without commitment", zap.String("request_id", requestID))
			return e.commit(ctx, current, *current.AcceptedSlot)
		}
	}

	start = start.UTC()
	req, err := e.updateRequest(ctx, requestID, func(r *models.MeetingRequest) error {
		if r.State != models.StateAwaitingDecision {
			return models.ErrAlreadyResolved
		}
		if !containsInstant(r.ResolvedSlots, start) {
			return fmt.Errorf("%w: %s", models.ErrInvalidSlot, start.Format(time.RFC3339))
		}
		r.State = models.StateAccepted
		r.CommitmentID = models.MeetingCommitmentID(r.ID)
		r.AcceptedSlot = &start
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.transitioned(req)

	return e.commit(ctx, req, start)
}

func (e *Engine) commit(ctx context.Context, req *models.MeetingRequest, start time.Time) (*models.MeetingCommitment, error) {
	now := e.now().UTC()
	end := timezone.AddOffset(start, req.DurationMinutes, timezone.Minutes)
	c := &models.MeetingCommitment{
		ID:                 models.MeetingCommitmentID(req.ID),
		RequestID:          req.ID,
		RecruiterID:        req.ProposerID,
		RecruiterName:      req.ProposerName,
		CounterpartID:      req.CounterpartID,
		CounterpartName:    req.CounterpartName,
		Description:        req.Description,
		DurationMinutes:    req.DurationMinutes,
		Start:              start,
		End:                end,
		RecruiterOutcome:   models.OutcomePending,
		CounterpartOutcome: models.OutcomePending,
		RemindersSent:      map[string]time.Time{},
		AcceptedAt:         now,
	}
	if err := e.store.CreateMeetingCommitment(ctx, c); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			e.logger.Error("Failed to create meeting commitment",
				zap.Error(err),
				zap.String("request_id", req.ID))
			return nil, fmt.Errorf("create meeting commitment: %w", err)
		}
		return nil, models.ErrAlreadyResolved
	}
	metrics.CommitmentsCreated.WithLabelValues(string(models.KindMeeting)).Inc()
	e.logger.Info("Meeting commitment created",
		zap.String("commitment_id", c.ID),
		zap.String("request_id", req.ID),
		zap.Time("start", c.Start))

	if err := e.scheduler.OnCommitmentAccepted(ctx, c); err != nil {
		// the feedback sweep falls back to end plus delay
		e.logger.Error("Failed to record feedback due work", zap.Error(err), zap.String("commitment_id", c.ID))
	}

	for _, p := range []models.Party{models.PartyRecruiter, models.PartyCounterpart} {
		userID := c.PartyID(p)
		zone := e.zoneOf(ctx, userID)
		other := c.RecruiterName
		if p == models.PartyRecruiter {
			other = c.CounterpartName
		}
		text := fmt.Sprintf("Meeting confirmed with @%s: %s\n%s-%s (%s)",
			other, c.Description,
			timezone.FormatLocal(c.Start, zone), timezone.FormatLocal(c.End, zone)[11:], zone)
		notify.Deliver(ctx, e.notifier, e.logger, userID, text)
	}

	granted, err := e.entitlement.GrantTrial(ctx, c.RecruiterID, e.cfg.TrialDays, now)
	if err != nil {
		e.logger.Error("Failed to grant trial", zap.Error(err), zap.Int64("user_id", c.RecruiterID))
	} else if granted {
		text := fmt.Sprintf("Your first meeting is booked. Your %d-day free trial has started.", e.cfg.TrialDays)
		notify.Deliver(ctx, e.notifier, e.logger, c.RecruiterID, text)
	}

	return c, nil
}

// Decline rejects a submitted request.
func (e *Engine) Decline(ctx context.Context, actorID int64, requestID string) (*models.MeetingRequest, error) {
	req, err := e.updateRequest(ctx, requestID, func(r *models.MeetingRequest) error {
		if r.CounterpartID != actorID {
			return models.ErrNotAuthorized
		}
		if r.State != models.StateAwaitingDecision {
			return models.ErrAlreadyResolved
		}
		r.State = models.StateDeclined
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.transitioned(req)

	notify.Deliver(ctx, e.notifier, e.logger, req.ProposerID,
		fmt.Sprintf("@%s declined the meeting: %s", req.CounterpartName, req.Description))
	notify.Deliver(ctx, e.notifier, e.logger, req.CounterpartID,
		fmt.Sprintf("You declined the meeting with @%s.", req.ProposerName))
	return req, nil
}

// Cancel withdraws a request that is not yet resolved. Either party may
// cancel; the request is removed.
func (e *Engine) Cancel(ctx context.Context, actorID int64, requestID string) error {
	var wasSubmitted bool
	req, err := e.updateRequest(ctx, requestID, func(r *models.MeetingRequest) error {
		if r.ProposerID != actorID && r.CounterpartID != actorID {
			return models.ErrNotAuthorized
		}
		if r.State.Terminal() {
			return models.ErrAlreadyResolved
		}
		wasSubmitted = r.Submitted()
		r.State = models.StateCanceled
		return nil
	})
	if err != nil {
		return err
	}
	e.transitioned(req)

	if err := e.store.DeleteMeetingRequest(ctx, requestID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("Failed to delete canceled request", zap.Error(err), zap.String("request_id", requestID))
	}

	notify.Deliver(ctx, e.notifier, e.logger, actorID, "Meeting request canceled.")
	if wasSubmitted {
		otherID, actorName := req.CounterpartID, req.ProposerName
		if actorID == req.CounterpartID {
			otherID, actorName = req.ProposerID, req.CounterpartName
		}
		notify.Deliver(ctx, e.notifier, e.logger, otherID,
			fmt.Sprintf("@%s canceled the meeting request: %s", actorName, req.Description))
	}
	return nil
}

func (e *Engine) updateRequest(ctx context.Context, id string, fn func(*models.MeetingRequest) error) (*models.MeetingRequest, error) {
	req, err := e.store.UpdateMeetingRequest(ctx, id, func(r *models.MeetingRequest) error {
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		err = storage.Translate(err, models.ErrRequestNotFound)
		if models.KindOf(err) == models.KindInvalidState {
			e.logger.Info("Ignored action on resolved request",
				zap.String("request_id", id),
				zap.Error(err))
		}
		return nil, err
	}
	return req, nil
}

func (e *Engine) transitioned(req *models.MeetingRequest) {
	metrics.Transitions.WithLabelValues("meeting", string(req.State)).Inc()
	e.logger.Info("Meeting request transition",
		zap.String("request_id", req.ID),
		zap.String("state", string(req.State)),
		zap.Int64("proposer_id", req.ProposerID),
		zap.Int64("counterpart_id", req.CounterpartID))
}

func (e *Engine) zoneOf(ctx context.Context, userID int64) string {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		e.logger.Warn("User lookup failed, using UTC", zap.Error(err), zap.Int64("user_id", userID))
		return "UTC"
	}
	return u.ZoneName()
}

func (e *Engine) validDuration(minutes int) bool {
	for _, d := range e.cfg.Durations {
		if d == minutes {
			return true
		}
	}
	return false
}

// draftGuard allows only the proposer to edit a request that is still a
// draft.
func draftGuard(r *models.MeetingRequest, actorID int64) error {
	if r.ProposerID != actorID {
		return models.ErrNotAuthorized
	}
	if r.State.Terminal() {
		return models.ErrAlreadyResolved
	}
	if !r.State.Drafting() {
		return models.ErrAlreadySubmitted
	}
	return nil
}

func containsInstant(instants []time.Time, t time.Time) bool {
	for _, i := range instants {
		if i.Equal(t) {
			return true
		}
	}
	return false
}
