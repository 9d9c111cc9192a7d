package obligation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/karma-bot/internal/metrics"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/notify"
	"github.com/xaenox/karma-bot/internal/storage"
	"github.com/xaenox/karma-bot/internal/timezone"
	"go.uber.org/zap"
)

// remindable is the part of a commitment the reminder sweep works on.
type remindable struct {
	kind        models.CommitmentKind
	id          string
	due         time.Time
	description string
	parties     map[models.Party]int64
	names       map[models.Party]string
	sent        map[string]time.Time
	resolved    bool
	// update applies mutate to the stored sent flags under a conditional update.
	update func(ctx context.Context, mutate func(sent map[string]time.Time, resolved bool) error) error
}

// FireReminders sends every 24h and 1h reminder whose window contains now
// and that was not sent yet. A flag is claimed before sending and released
// if delivery fails, so the next tick retries. It returns the number sent.
func (s *Scheduler) FireReminders(ctx context.Context, now time.Time) (int, error) {
	defer metrics.ObserveSweep("reminders", time.Now())

	// Everything due within the largest offset plus tolerance.
	from := now
	to := now.Add(reminderOffsets[0].offset + s.cfg.ReminderTolerance)
	filter := storage.CommitmentFilter{From: &from, To: &to}

	meetings, err := s.store.ListMeetingCommitments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list meetings: %w", err)
	}
	feedback, err := s.store.ListFeedbackCommitments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list feedback: %w", err)
	}

	var targets []remindable
	for _, c := range meetings {
		targets = append(targets, s.meetingTarget(c))
	}
	for _, c := range feedback {
		targets = append(targets, s.feedbackTarget(c))
	}

	sent := 0
	for _, t := range targets {
		if t.resolved {
			continue
		}
		for _, r := range reminderOffsets {
			if !timezone.IsWithinWindow(now, t.due.Add(-r.offset), s.cfg.ReminderTolerance) {
				continue
			}
			for _, p := range []models.Party{models.PartyRecruiter, models.PartyCounterpart} {
				key := models.ReminderKey(p, r.kind)
				if _, done := t.sent[key]; done {
					continue
				}
				if s.remind(ctx, now, t, p, key, r.label) {
					sent++
					metrics.RemindersSent.WithLabelValues(string(r.kind)).Inc()
				}
			}
		}
	}
	return sent, nil
}

func (s *Scheduler) remind(ctx context.Context, now time.Time, t remindable, p models.Party, key, label string) bool {
	claimedAt := now.UTC()
	err := t.update(ctx, func(sent map[string]time.Time, resolved bool) error {
		if _, done := sent[key]; done || resolved {
			return errClaimed
		}
		sent[key] = claimedAt
		return nil
	})
	if err != nil {
		if !errors.Is(err, errClaimed) {
			s.logger.Error("Failed to claim reminder",
				zap.Error(err),
				zap.String("commitment_id", t.id),
				zap.String("reminder", key))
		}
		return false
	}

	userID := t.parties[p]
	zone := s.zoneOf(ctx, userID)
	what := "Meeting"
	if t.kind == models.KindFeedback {
		what = "Feedback"
	}
	text := fmt.Sprintf("Reminder: %s with @%s %s: %s\n%s (%s)",
		what, t.names[p.Other()], label, t.description, timezone.FormatLocal(t.due, zone), zone)

	if err := notify.Deliver(ctx, s.notifier, s.logger, userID, text); err != nil {
		releaseErr := t.update(ctx, func(sent map[string]time.Time, _ bool) error {
			if at, ok := sent[key]; ok && at.Equal(claimedAt) {
				delete(sent, key)
			}
			return nil
		})
		if releaseErr != nil {
			s.logger.Error("Failed to release reminder claim",
				zap.Error(releaseErr),
				zap.String("commitment_id", t.id),
				zap.String("reminder", key))
		}
		return false
	}

	s.logger.Info("Reminder sent",
		zap.String("commitment_id", t.id),
		zap.String("reminder", key),
		zap.Int64("user_id", userID))
	return true
}

func (s *Scheduler) meetingTarget(c *models.MeetingCommitment) remindable {
	return remindable{
		kind:        models.KindMeeting,
		id:          c.ID,
		due:         c.Start,
		description: c.Description,
		parties:     map[models.Party]int64{models.PartyRecruiter: c.RecruiterID, models.PartyCounterpart: c.CounterpartID},
		names:       map[models.Party]string{models.PartyRecruiter: c.RecruiterName, models.PartyCounterpart: c.CounterpartName},
		sent:        c.RemindersSent,
		resolved:    c.Resolved(),
		update: func(ctx context.Context, mutate func(map[string]time.Time, bool) error) error {
			_, err := s.store.UpdateMeetingCommitment(ctx, c.ID, func(m *models.MeetingCommitment) error {
				if m.RemindersSent == nil {
					m.RemindersSent = map[string]time.Time{}
				}
				return mutate(m.RemindersSent, m.Resolved())
			})
			return err
		},
	}
}

func (s *Scheduler) feedbackTarget(c *models.FeedbackCommitment) remindable {
	return remindable{
		kind:        models.KindFeedback,
		id:          c.ID,
		due:         c.DueAt,
		description: c.Description,
		parties:     map[models.Party]int64{models.PartyRecruiter: c.RecruiterID, models.PartyCounterpart: c.CounterpartID},
		names:       map[models.Party]string{models.PartyRecruiter: c.RecruiterName, models.PartyCounterpart: c.CounterpartName},
		sent:        c.RemindersSent,
		resolved:    c.Resolved(),
		update: func(ctx context.Context, mutate func(map[string]time.Time, bool) error) error {
			_, err := s.store.UpdateFeedbackCommitment(ctx, c.ID, func(f *models.FeedbackCommitment) error {
				if f.RemindersSent == nil {
					f.RemindersSent = map[string]time.Time{}
				}
				return mutate(f.RemindersSent, f.Resolved())
			})
			return err
		},
	}
}
