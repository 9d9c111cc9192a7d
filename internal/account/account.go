// Package account manages user registration and profile settings.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/storage"
	"github.com/xaenox/karma-bot/internal/timezone"
	"go.uber.org/zap"
)

// Zone is one selectable time zone.
type Zone struct {
	Label string
	Name  string
}

// Zones is the fixed list offered at registration, one per UTC offset.
var Zones = []Zone{
	{"UTC-12:00 (Baker Island)", "Etc/GMT+12"},
	{"UTC-11:00 (American Samoa)", "Pacific/Pago_Pago"},
	{"UTC-10:00 (Hawaii)", "Pacific/Honolulu"},
	{"UTC-09:00 (Alaska)", "America/Anchorage"},
	{"UTC-08:00 (Pacific Time)", "America/Los_Angeles"},
	{"UTC-07:00 (Mountain Time)", "America/Denver"},
	{"UTC-06:00 (Central Time)", "America/Chicago"},
	{"UTC-05:00 (Eastern Time)", "America/New_York"},
	{"UTC-04:00 (Atlantic Time)", "America/Halifax"},
	{"UTC-03:00 (Argentina)", "America/Argentina/Buenos_Aires"},
	{"UTC-02:00 (South Georgia)", "Atlantic/South_Georgia"},
	{"UTC-01:00 (Azores)", "Atlantic/Azores"},
	{"UTC+00:00 (London)", "Europe/London"},
	{"UTC+01:00 (Berlin)", "Europe/Berlin"},
	{"UTC+02:00 (Cairo)", "Africa/Cairo"},
	{"UTC+03:00 (Moscow)", "Europe/Moscow"},
	{"UTC+04:00 (Dubai)", "Asia/Dubai"},
	{"UTC+05:00 (Karachi)", "Asia/Karachi"},
	{"UTC+06:00 (Dhaka)", "Asia/Dhaka"},
	{"UTC+07:00 (Bangkok)", "Asia/Bangkok"},
	{"UTC+08:00 (Singapore)", "Asia/Singapore"},
	{"UTC+09:00 (Tokyo)", "Asia/Tokyo"},
	{"UTC+10:00 (Sydney)", "Australia/Sydney"},
	{"UTC+11:00 (Solomon Islands)", "Pacific/Guadalcanal"},
	{"UTC+12:00 (Fiji)", "Pacific/Fiji"},
}

type Service struct {
	store  storage.UserStorage
	admins map[int64]bool
	logger *zap.Logger
	now    func() time.Time
}

func New(store storage.UserStorage, adminIDs []int64, logger *zap.Logger) *Service {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Service{
		store:  store,
		admins: admins,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates a job seeker account on the free plan.
func (s *Service) Register(ctx context.Context, userID int64, handle string) (*models.User, error) {
	handle = intent.NormalizeHandle(handle)
	if handle == "" {
		return nil, models.ErrHandleRequired
	}

	user := &models.User{
		ID:           userID,
		Handle:       handle,
		Role:         models.RoleJobSeeker,
		Subscription: models.Subscription{Status: models.SubscriptionFree},
		IsAdmin:      s.admins[userID],
		RegisteredAt: s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, models.ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("User registered", zap.Int64("user_id", userID), zap.String("handle", handle))
	return user, nil
}

// SetTimezone sets the user's zone. It can be set once.
func (s *Service) SetTimezone(ctx context.Context, userID int64, zone string) (*models.User, error) {
	if zone == "" {
		return nil, models.ErrInvalidZone
	}
	if _, err := timezone.LoadZone(zone); err != nil {
		return nil, err
	}

	user, err := s.store.UpdateUser(ctx, userID, func(u *models.User) error {
		if u.TimeZone != "" {
			return models.ErrTimeZoneAlreadySet
		}
		u.TimeZone = zone
		return nil
	})
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}

	s.logger.Info("Time zone set", zap.Int64("user_id", userID), zap.String("zone", zone))
	return user, nil
}

// SetRole switches between job seeker and recruiter. Recruiters also carry
// a recruiter type; switching to job seeker clears it.
func (s *Service) SetRole(ctx context.Context, userID int64, role models.Role, recruiterType models.RecruiterType) (*models.User, error) {
	switch role {
	case models.RoleJobSeeker:
		recruiterType = ""
	case models.RoleRecruiter:
		if recruiterType != models.RecruiterIndividual && recruiterType != models.RecruiterCompany {
			return nil, fmt.Errorf("%w: recruiter type %q", models.ErrInvalidRole, recruiterType)
		}
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidRole, role)
	}

	user, err := s.store.UpdateUser(ctx, userID, func(u *models.User) error {
		if u.Role == role && u.RecruiterType == recruiterType {
			return models.ErrAlreadyInRole
		}
		u.Role = role
		u.RecruiterType = recruiterType
		if recruiterType != models.RecruiterCompany {
			u.CompanyName = ""
		}
		return nil
	})
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}

	s.logger.Info("Role changed",
		zap.Int64("user_id", userID),
		zap.String("role", string(role)),
		zap.String("recruiter_type", string(recruiterType)))
	return user, nil
}

// SetCompany names the company of a company recruiter.
func (s *Service) SetCompany(ctx context.Context, userID int64, name string) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.ErrEmptyName
	}

	user, err := s.store.UpdateUser(ctx, userID, func(u *models.User) error {
		if u.Role != models.RoleRecruiter || u.RecruiterType != models.RecruiterCompany {
			return models.ErrNotAuthorized
		}
		u.CompanyName = name
		return nil
	})
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}
	return user, nil
}

func (s *Service) Profile(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}
	return user, nil
}

// Reset returns the user to a fresh job seeker on the free plan with no
// score, trial or time zone. Admin only.
func (s *Service) Reset(ctx context.Context, userID int64) (*models.User, error) {
	if !s.admins[userID] {
		return nil, models.ErrNotAuthorized
	}
	user, err := s.store.UpdateUser(ctx, userID, func(u *models.User) error {
		u.Role = models.RoleJobSeeker
		u.RecruiterType = ""
		u.CompanyName = ""
		u.TimeZone = ""
		u.Score = 0
		u.ScoreEntries = nil
		u.Subscription = models.Subscription{Status: models.SubscriptionFree}
		u.TrialUsed = false
		u.RegisteredAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, storage.Translate(err, models.ErrUserNotFound)
	}

	s.logger.Info("User reset", zap.Int64("user_id", userID))
	return user, nil
}

// IsAdmin reports whether userID is in the configured admin list.
func (s *Service) IsAdmin(userID int64) bool { return s.admins[userID] }

// Audience returns every registered recruiter and job seeker.
func (s *Service) Audience(ctx context.Context) ([]*models.User, error) {
	users, err := s.store.ListUsers(ctx, storage.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
