package models

import "time"

// Role is the mutually exclusive role a user acts under.
type Role string

const (
	RoleJobSeeker Role = "jobSeeker"
	RoleRecruiter Role = "recruiter"
)

// RecruiterType distinguishes individual recruiters from company accounts.
type RecruiterType string

const (
	RecruiterIndividual RecruiterType = "individual"
	RecruiterCompany    RecruiterType = "company"
)

// SubscriptionStatus is the entitlement state of a user.
type SubscriptionStatus string

const (
	SubscriptionFree     SubscriptionStatus = "free"
	SubscriptionTrial    SubscriptionStatus = "trial"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription holds the entitlement state and its optional expiry.
type Subscription struct {
	Status SubscriptionStatus `json:"status"`
	Expiry *time.Time         `json:"expiry,omitempty"`
}

// User represents a registered bot user and their reliability score
type User struct {
	ID            int64         `json:"id"`
	Handle        string        `json:"handle"`
	TimeZone      string        `json:"time_zone,omitempty"`
	Role          Role          `json:"role"`
	RecruiterType RecruiterType `json:"recruiter_type,omitempty"`
	CompanyName   string        `json:"company_name,omitempty"`
	Score         int           `json:"score"`
	Subscription  Subscription  `json:"subscription"`
	TrialUsed     bool          `json:"trial_used"`
	IsAdmin       bool          `json:"is_admin"`
	// ScoreEntries records every applied score delta keyed by ScoreKey, so a
	// delta is applied at most once per (commitment, party).
	ScoreEntries map[string]int `json:"score_entries,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// ZoneName returns the user's zone, UTC when not set yet.
func (u *User) ZoneName() string {
	if u.TimeZone == "" {
		return "UTC"
	}
	return u.TimeZone
}

// Party names one side of a two-party commitment.
type Party string

const (
	PartyRecruiter   Party = "recruiter"
	PartyCounterpart Party = "counterpart"
)

// Other returns the opposite party.
func (p Party) Other() Party {
	if p == PartyRecruiter {
		return PartyCounterpart
	}
	return PartyRecruiter
}

// CommitmentKind distinguishes meeting and feedback commitments.
type CommitmentKind string

const (
	KindMeeting  CommitmentKind = "meeting"
	KindFeedback CommitmentKind = "feedback"
)

// Outcome is a party's attested result for a commitment.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeAttended  Outcome = "attended"
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeMissed    Outcome = "missed"
)

// ReminderKind identifies a reminder offset before a due instant.
type ReminderKind string

const (
	Reminder24h ReminderKind = "24h"
	Reminder1h  ReminderKind = "1h"
)

// ReminderKey is the sent-flag key for one party and reminder kind.
func ReminderKey(p Party, k ReminderKind) string {
	return string(p) + ":" + string(k)
}

// ScoreKey is the User.ScoreEntries key for a commitment.
func ScoreKey(kind CommitmentKind, commitmentID string) string {
	return string(kind) + ":" + commitmentID
}
