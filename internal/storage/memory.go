package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xaenox/karma-bot/internal/models"
)

// MemoryStorage keeps documents as encoded JSON so callers never share
// pointers with the store. A single lock makes every update atomic.
type MemoryStorage struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		collections: map[string]map[string][]byte{
			collUsers:               {},
			collMeetingRequests:     {},
			collMeetingCommitments:  {},
			collFeedbackRequests:    {},
			collFeedbackCommitments: {},
		},
	}
}

func memCreate[T any](s *MemoryStorage, coll, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[coll][id]; exists {
		return ErrAlreadyExists
	}
	s.collections[coll][id] = data
	return nil
}

func memGet[T any](s *MemoryStorage, coll, id string) (*T, error) {
	s.mu.RLock()
	data, exists := s.collections[coll][id]
	s.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return &v, nil
}

func memUpdate[T any](s *MemoryStorage, coll, id string, fn func(*T) error) (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, exists := s.collections[coll][id]
	if !exists {
		return nil, ErrNotFound
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	if err := fn(&v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(&v)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	s.collections[coll][id] = out
	return &v, nil
}

func memList[T any](s *MemoryStorage, coll string, match func(*T) bool) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.collections[coll]))
	for id := range s.collections[coll] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*T
	for _, id := range ids {
		var v T
		if err := json.Unmarshal(s.collections[coll][id], &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", coll, id, err)
		}
		if match(&v) {
			out = append(out, &v)
		}
	}
	return out, nil
}

// User methods
func (s *MemoryStorage) CreateUser(ctx context.Context, user *models.User) error {
	return memCreate(s, collUsers, userKey(user.ID), user)
}

func (s *MemoryStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return memGet[models.User](s, collUsers, userKey(id))
}

func (s *MemoryStorage) GetUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	users, err := memList(s, collUsers, func(u *models.User) bool {
		return strings.EqualFold(u.Handle, handle)
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return users[0], nil
}

func (s *MemoryStorage) UpdateUser(ctx context.Context, id int64, fn func(*models.User) error) (*models.User, error) {
	return memUpdate(s, collUsers, userKey(id), fn)
}

func (s *MemoryStorage) ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, error) {
	return memList(s, collUsers, filter.match)
}

// Meeting methods
func (s *MemoryStorage) CreateMeetingRequest(ctx context.Context, req *models.MeetingRequest) error {
	return memCreate(s, collMeetingRequests, req.ID, req)
}

func (s *MemoryStorage) GetMeetingRequest(ctx context.Context, id string) (*models.MeetingRequest, error) {
	return memGet[models.MeetingRequest](s, collMeetingRequests, id)
}

func (s *MemoryStorage) UpdateMeetingRequest(ctx context.Context, id string, fn func(*models.MeetingRequest) error) (*models.MeetingRequest, error) {
	return memUpdate(s, collMeetingRequests, id, fn)
}

func (s *MemoryStorage) DeleteMeetingRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[collMeetingRequests][id]; !exists {
		return ErrNotFound
	}
	delete(s.collections[collMeetingRequests], id)
	return nil
}

func (s *MemoryStorage) CreateMeetingCommitment(ctx context.Context, c *models.MeetingCommitment) error {
	return memCreate(s, collMeetingCommitments, c.ID, c)
}

func (s *MemoryStorage) GetMeetingCommitment(ctx context.Context, id string) (*models.MeetingCommitment, error) {
	return memGet[models.MeetingCommitment](s, collMeetingCommitments, id)
}

func (s *MemoryStorage) UpdateMeetingCommitment(ctx context.Context, id string, fn func(*models.MeetingCommitment) error) (*models.MeetingCommitment, error) {
	return memUpdate(s, collMeetingCommitments, id, fn)
}

func (s *MemoryStorage) ListMeetingCommitments(ctx context.Context, filter CommitmentFilter) ([]*models.MeetingCommitment, error) {
	out, err := memList(s, collMeetingCommitments, filter.matchMeeting)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Feedback methods
func (s *MemoryStorage) CreateFeedbackRequest(ctx context.Context, req *models.FeedbackRequest) error {
	return memCreate(s, collFeedbackRequests, req.ID, req)
}

func (s *MemoryStorage) GetFeedbackRequest(ctx context.Context, id string) (*models.FeedbackRequest, error) {
	return memGet[models.FeedbackRequest](s, collFeedbackRequests, id)
}

func (s *MemoryStorage) UpdateFeedbackRequest(ctx context.Context, id string, fn func(*models.FeedbackRequest) error) (*models.FeedbackRequest, error) {
	return memUpdate(s, collFeedbackRequests, id, fn)
}

func (s *MemoryStorage) CreateFeedbackCommitment(ctx context.Context, c *models.FeedbackCommitment) error {
	return memCreate(s, collFeedbackCommitments, c.ID, c)
}

func (s *MemoryStorage) GetFeedbackCommitment(ctx context.Context, id string) (*models.FeedbackCommitment, error) {
	return memGet[models.FeedbackCommitment](s, collFeedbackCommitments, id)
}

func (s *MemoryStorage) UpdateFeedbackCommitment(ctx context.Context, id string, fn func(*models.FeedbackCommitment) error) (*models.FeedbackCommitment, error) {
	return memUpdate(s, collFeedbackCommitments, id, fn)
}

func (s *MemoryStorage) ListFeedbackCommitments(ctx context.Context, filter CommitmentFilter) ([]*models.FeedbackCommitment, error) {
	out, err := memList(s, collFeedbackCommitments, filter.matchFeedback)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
