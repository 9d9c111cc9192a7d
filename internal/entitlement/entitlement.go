// Package entitlement gates paid actions on the user's subscription state
// and runs the one-time trial lifecycle.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/notify"
	"github.com/xaenox/karma-bot/internal/storage"
	"go.uber.org/zap"
)

// Action names a gated operation.
type Action string

const ActionPropose Action = "propose"

var gated = map[Action]bool{
	ActionPropose: true,
}

type Service struct {
	store    storage.UserStorage
	notifier notify.Channel
	logger   *zap.Logger
	now      func() time.Time
}

func New(store storage.UserStorage, notifier notify.Channel, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// errDenied aborts a conditional update without writing.
var errDenied = errors.New("denied")

// Check returns ErrEntitlementExpired when userID may not perform action.
// An elapsed trial is moved to expired on the way.
func (s *Service) Check(ctx context.Context, userID int64, action Action) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.ErrUserNotFound
		}
		return fmt.Errorf("get user: %w", err)
	}
	if !gated[action] {
		return nil
	}

	now := s.now()
	sub := user.Subscription
	switch sub.Status {
	case models.SubscriptionTrial:
		if !elapsed(sub.Expiry, now) {
			return nil
		}
		// errDenied means a concurrent check already expired it
		if err := s.expire(ctx, userID, now); err != nil && !errors.Is(err, errDenied) {
			return err
		}
		s.logger.Info("Trial expired on check", zap.Int64("user_id", userID))
		return models.ErrEntitlementExpired
	case models.SubscriptionExpired:
		return models.ErrEntitlementExpired
	case models.SubscriptionCanceled:
		if sub.Expiry == nil || elapsed(sub.Expiry, now) {
			return models.ErrEntitlementExpired
		}
	}
	return nil
}

// GrantTrial starts the trial for a free user who never had one. It
// reports whether the trial was granted.
func (s *Service) GrantTrial(ctx context.Context, userID int64, days int, now time.Time) (bool, error) {
	_, err := s.store.UpdateUser(ctx, userID, func(u *models.User) error {
		if u.TrialUsed || u.Subscription.Status != models.SubscriptionFree {
			return errDenied
		}
		expiry := now.UTC().Add(time.Duration(days) * 24 * time.Hour)
		u.Subscription = models.Subscription{Status: models.SubscriptionTrial, Expiry: &expiry}
		u.TrialUsed = true
		return nil
	})
	switch {
	case errors.Is(err, errDenied):
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, models.ErrUserNotFound
	case err != nil:
		return false, fmt.Errorf("grant trial: %w", err)
	}

	s.logger.Info("Trial granted", zap.Int64("user_id", userID), zap.Int("days", days))
	return true, nil
}

// SweepExpiredTrials moves every elapsed trial to expired and tells the
// user. It returns the number of trials expired by this call.
func (s *Service) SweepExpiredTrials(ctx context.Context, now time.Time) (int, error) {
	users, err := s.store.ListUsers(ctx, storage.UserFilter{Status: models.SubscriptionTrial})
	if err != nil {
		return 0, fmt.Errorf("list trial users: %w", err)
	}

	expired := 0
	for _, u := range users {
		if !elapsed(u.Subscription.Expiry, now) {
			continue
		}
		if err := s.expire(ctx, u.ID, now); err != nil {
			if errors.Is(err, errDenied) {
				continue
			}
			s.logger.Error("Failed to expire trial", zap.Error(err), zap.Int64("user_id", u.ID))
			continue
		}
		expired++

		notify.Deliver(ctx, s.notifier, s.logger, u.ID,
			"Your free trial has ended. Subscribe to keep scheduling meetings.")
	}

	if expired > 0 {
		s.logger.Info("Expired trials", zap.Int("count", expired))
	}
	return expired, nil
}

// expire moves an elapsed trial to expired. It returns errDenied when the
// user is no longer on an elapsed trial.
func (s *Service) expire(ctx context.Context, userID int64, now time.Time) error {
	_, err := s.store.UpdateUser(ctx, userID, func(u *models.User) error {
		if u.Subscription.Status != models.SubscriptionTrial || !elapsed(u.Subscription.Expiry, now) {
			return errDenied
		}
		u.Subscription.Status = models.SubscriptionExpired
		return nil
	})
	if err != nil && !errors.Is(err, errDenied) {
		return fmt.Errorf("expire trial: %w", err)
	}
	return err
}

func elapsed(expiry *time.Time, now time.Time) bool {
	return expiry != nil && !now.Before(*expiry)
}
