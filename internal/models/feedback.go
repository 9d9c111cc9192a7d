package models

import "time"

// FeedbackState is the negotiation state of a FeedbackRequest.
type FeedbackState string

const (
	FeedbackAwaitingDays     FeedbackState = "awaitingDays"
	FeedbackAwaitingApproval FeedbackState = "awaitingApproval"
	FeedbackApproved         FeedbackState = "approved"
	FeedbackDeclined         FeedbackState = "declined"
)

// Terminal reports whether no further transition is possible.
func (s FeedbackState) Terminal() bool {
	return s == FeedbackApproved || s == FeedbackDeclined
}

// FeedbackRequest is a feedback obligation derived from a meeting commitment,
// waiting for the turnaround to be chosen and approved.
type FeedbackRequest struct {
	ID                  string        `json:"id"`
	MeetingCommitmentID string        `json:"meeting_commitment_id"`
	RecruiterID         int64         `json:"recruiter_id"`
	RecruiterName       string        `json:"recruiter_name"`
	CounterpartID       int64         `json:"counterpart_id"`
	CounterpartName     string        `json:"counterpart_name"`
	Description         string        `json:"description"`
	Days                int           `json:"days,omitempty"`
	DueAt               *time.Time    `json:"due_at,omitempty"`
	State               FeedbackState `json:"state"`
	CommitmentID        string        `json:"commitment_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// FeedbackCommitment is an approved feedback obligation.
type FeedbackCommitment struct {
	ID                  string               `json:"id"`
	FeedbackRequestID   string               `json:"feedback_request_id"`
	MeetingCommitmentID string               `json:"meeting_commitment_id"`
	RecruiterID         int64                `json:"recruiter_id"`
	RecruiterName       string               `json:"recruiter_name"`
	CounterpartID       int64                `json:"counterpart_id"`
	CounterpartName     string               `json:"counterpart_name"`
	Description         string               `json:"description"`
	DueAt               time.Time            `json:"due_at"`
	RecruiterOutcome    Outcome              `json:"recruiter_outcome"`
	CounterpartOutcome  Outcome              `json:"counterpart_outcome"`
	OutcomePromptedAt   *time.Time           `json:"outcome_prompted_at,omitempty"`
	RemindersSent       map[string]time.Time `json:"reminders_sent,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
}

// PartyOf returns which side userID is on, or false when not a party.
func (c *FeedbackCommitment) PartyOf(userID int64) (Party, bool) {
	return partyOf(userID, c.RecruiterID, c.CounterpartID)
}

// PartyID returns the user id of p.
func (c *FeedbackCommitment) PartyID(p Party) int64 {
	if p == PartyRecruiter {
		return c.RecruiterID
	}
	return c.CounterpartID
}

// Outcome returns the recorded outcome of p.
func (c *FeedbackCommitment) Outcome(p Party) Outcome {
	if p == PartyRecruiter {
		return c.RecruiterOutcome
	}
	return c.CounterpartOutcome
}

// SetOutcome records o for p.
func (c *FeedbackCommitment) SetOutcome(p Party, o Outcome) {
	if p == PartyRecruiter {
		c.RecruiterOutcome = o
	} else {
		c.CounterpartOutcome = o
	}
}

// Resolved reports whether both parties reported an outcome.
func (c *FeedbackCommitment) Resolved() bool {
	return c.RecruiterOutcome != OutcomePending && c.CounterpartOutcome != OutcomePending
}
