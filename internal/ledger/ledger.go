// Package ledger resolves commitment outcomes into reliability score
// changes and prompts parties to report them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/metrics"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/notify"
	"github.com/xaenox/karma-bot/internal/storage"
	"go.uber.org/zap"
)

type Config struct {
	ScoreDelta         int
	OutcomePromptDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScoreDelta:         10,
		OutcomePromptDelay: 30 * time.Minute,
	}
}

// Report is the result of an outcome report.
type Report struct {
	Kind         models.CommitmentKind
	CommitmentID string
	Party        models.Party
	Outcome      models.Outcome
	// Delta is the score change applied by this call, zero on a repeat.
	Delta int
	Score int
	// Repeated is set when the party had already reported.
	Repeated bool
}

var errAlreadyPrompted = errors.New("outcome prompt already sent")

// commitment is the part of both commitment kinds the ledger needs.
type commitment interface {
	PartyOf(userID int64) (models.Party, bool)
	PartyID(p models.Party) int64
	Outcome(p models.Party) models.Outcome
	SetOutcome(p models.Party, o models.Outcome)
}

type Ledger struct {
	cfg      Config
	store    storage.Storage
	notifier notify.Channel
	logger   *zap.Logger
}

func New(cfg Config, store storage.Storage, notifier notify.Channel, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// ReportOutcome records actor's outcome for a commitment and applies the
// score change once per commitment and party. A repeated report changes
// nothing. After the first report the other party is asked for theirs.
func (l *Ledger) ReportOutcome(ctx context.Context, actorID int64, kind models.CommitmentKind, commitmentID string, outcome models.Outcome) (*Report, error) {
	if !validOutcome(kind, outcome) {
		return nil, fmt.Errorf("%w: %s for %s", models.ErrInvalidOutcome, outcome, kind)
	}

	var (
		party    models.Party
		recorded models.Outcome
		repeated bool
		first    bool
		other    int64
		desc     string
	)
	// record may run again after a lost version race, so it sets every
	// result from scratch.
	record := func(c commitment, description string) error {
		repeated, first = false, false
		p, ok := c.PartyOf(actorID)
		if !ok {
			return models.ErrNotAuthorized
		}
		party, other, desc = p, c.PartyID(p.Other()), description
		if recorded = c.Outcome(p); recorded != models.OutcomePending {
			repeated = true
			return nil
		}
		first = c.Outcome(p.Other()) == models.OutcomePending
		c.SetOutcome(p, outcome)
		recorded = outcome
		return nil
	}

	var err error
	switch kind {
	case models.KindMeeting:
		_, err = l.store.UpdateMeetingCommitment(ctx, commitmentID, func(c *models.MeetingCommitment) error {
			return record(c, c.Description)
		})
	case models.KindFeedback:
		_, err = l.store.UpdateFeedbackCommitment(ctx, commitmentID, func(c *models.FeedbackCommitment) error {
			return record(c, c.Description)
		})
	default:
		return nil, models.ErrUnknownCommitment
	}
	if err != nil {
		return nil, storage.Translate(err, models.ErrUnknownCommitment)
	}

	report := &Report{
		Kind:         kind,
		CommitmentID: commitmentID,
		Party:        party,
		Outcome:      recorded,
		Repeated:     repeated,
	}

	// The score is applied even on a repeated report when an earlier call
	// recorded the outcome but failed before scoring. The entry key keeps
	// it at one application.
	delta := l.cfg.ScoreDelta
	if recorded == models.OutcomeMissed {
		delta = -delta
	}
	user, applied, err := l.applyScore(ctx, actorID, models.ScoreKey(kind, commitmentID), delta)
	if err != nil {
		return nil, err
	}
	report.Score = user.Score
	if applied {
		report.Delta = delta
		metrics.ScoreDeltas.WithLabelValues(string(kind), string(recorded)).Inc()
		l.logger.Info("Score applied",
			zap.Int64("user_id", actorID),
			zap.String("commitment_id", commitmentID),
			zap.Int("delta", delta),
			zap.Int("score", user.Score))
	}

	if first {
		l.promptParty(ctx, kind, commitmentID, other, desc)
	}
	return report, nil
}

// applyScore adds delta to the user's score unless key was applied before.
func (l *Ledger) applyScore(ctx context.Context, userID int64, key string, delta int) (*models.User, bool, error) {
	applied := false
	user, err := l.store.UpdateUser(ctx, userID, func(u *models.User) error {
		if _, done := u.ScoreEntries[key]; done {
			applied = false
			return nil
		}
		if u.ScoreEntries == nil {
			u.ScoreEntries = map[string]int{}
		}
		u.ScoreEntries[key] = delta
		u.Score += delta
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, storage.Translate(err, models.ErrUserNotFound)
	}
	return user, applied, nil
}

// PromptDue asks both parties of every commitment that ended at least the
// prompt delay ago for their outcome, once per commitment.
func (l *Ledger) PromptDue(ctx context.Context, now time.Time) (int, error) {
	defer metrics.ObserveSweep("outcome_prompts", time.Now())

	// commitments whose instant is at or before cutoff are due
	cutoff := now.Add(-l.cfg.OutcomePromptDelay)
	to := cutoff.Add(time.Nanosecond)
	filter := storage.CommitmentFilter{To: &to, Unprompted: true}

	prompted := 0
	meetings, err := l.store.ListMeetingCommitments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list meetings: %w", err)
	}
	for _, c := range meetings {
		if c.End.After(cutoff) {
			continue
		}
		_, err := l.store.UpdateMeetingCommitment(ctx, c.ID, func(m *models.MeetingCommitment) error {
			if m.OutcomePromptedAt != nil {
				return errAlreadyPrompted
			}
			at := now.UTC()
			m.OutcomePromptedAt = &at
			return nil
		})
		if err != nil {
			if !errors.Is(err, errAlreadyPrompted) {
				l.logger.Error("Failed to mark outcome prompt", zap.Error(err), zap.String("commitment_id", c.ID))
			}
			continue
		}
		for _, p := range []models.Party{models.PartyRecruiter, models.PartyCounterpart} {
			if c.Outcome(p) == models.OutcomePending {
				l.promptParty(ctx, models.KindMeeting, c.ID, c.PartyID(p), c.Description)
			}
		}
		prompted++
	}

	feedback, err := l.store.ListFeedbackCommitments(ctx, filter)
	if err != nil {
		return prompted, fmt.Errorf("list feedback: %w", err)
	}
	for _, c := range feedback {
		_, err := l.store.UpdateFeedbackCommitment(ctx, c.ID, func(f *models.FeedbackCommitment) error {
			if f.OutcomePromptedAt != nil {
				return errAlreadyPrompted
			}
			at := now.UTC()
			f.OutcomePromptedAt = &at
			return nil
		})
		if err != nil {
			if !errors.Is(err, errAlreadyPrompted) {
				l.logger.Error("Failed to mark outcome prompt", zap.Error(err), zap.String("commitment_id", c.ID))
			}
			continue
		}
		for _, p := range []models.Party{models.PartyRecruiter, models.PartyCounterpart} {
			if c.Outcome(p) == models.OutcomePending {
				l.promptParty(ctx, models.KindFeedback, c.ID, c.PartyID(p), c.Description)
			}
		}
		prompted++
	}
	return prompted, nil
}

func (l *Ledger) promptParty(ctx context.Context, kind models.CommitmentKind, commitmentID string, userID int64, description string) {
	positive := models.OutcomeAttended
	question := "Did the meeting take place? %s"
	if kind == models.KindFeedback {
		positive = models.OutcomeFulfilled
		question = "Was the feedback delivered? %s"
	}

	notify.Deliver(ctx, l.notifier, l.logger, userID, fmt.Sprintf(question, description),
		notify.Option{Label: "Yes", Intent: intent.ReportOutcome{Kind: kind, CommitmentID: commitmentID, Outcome: positive}},
		notify.Option{Label: "No", Intent: intent.ReportOutcome{Kind: kind, CommitmentID: commitmentID, Outcome: models.OutcomeMissed}},
	)
}

func validOutcome(kind models.CommitmentKind, o models.Outcome) bool {
	switch kind {
	case models.KindMeeting:
		return o == models.OutcomeAttended || o == models.OutcomeMissed
	case models.KindFeedback:
		return o == models.OutcomeFulfilled || o == models.OutcomeMissed
	}
	return false
}
