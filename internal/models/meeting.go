package models

import "time"

// RequestState is the negotiation state of a MeetingRequest.
type RequestState string

const (
	StateAwaitingDuration   RequestState = "awaitingDuration"
	StateAwaitingDate       RequestState = "awaitingDate"
	StateAwaitingSlots      RequestState = "awaitingSlots"
	StateAwaitingSubmission RequestState = "awaitingSubmission"
	StateAwaitingDecision   RequestState = "awaitingDecision"
	StateAccepted           RequestState = "accepted"
	StateDeclined           RequestState = "declined"
	StateCanceled           RequestState = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s RequestState) Terminal() bool {
	return s == StateAccepted || s == StateDeclined || s == StateCanceled
}

// Drafting reports whether the proposer may still edit the request.
func (s RequestState) Drafting() bool {
	switch s {
	case StateAwaitingDuration, StateAwaitingDate, StateAwaitingSlots, StateAwaitingSubmission:
		return true
	}
	return false
}

// Slot is a naive local date and time in the proposer's zone.
type Slot struct {
	Date string `json:"date"` // YYYY-MM-DD
	Time string `json:"time"` // HH:MM
}

func (s Slot) String() string { return s.Date + " " + s.Time }

// MeetingRequest is a meeting proposal under negotiation.
type MeetingRequest struct {
	ID              string       `json:"id"`
	ProposerID      int64        `json:"proposer_id"`
	ProposerName    string       `json:"proposer_name"`
	CounterpartID   int64        `json:"counterpart_id"`
	CounterpartName string       `json:"counterpart_name"`
	Description     string       `json:"description"`
	DurationMinutes int          `json:"duration_minutes,omitempty"`
	PendingDate     string       `json:"pending_date,omitempty"`
	Slots           []Slot       `json:"slots"`
	ResolvedSlots   []time.Time  `json:"resolved_slots,omitempty"`
	State           RequestState `json:"state"`
	CommitmentID    string       `json:"commitment_id,omitempty"`
	AcceptedSlot    *time.Time   `json:"accepted_slot,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Submitted reports whether the request has been sent to the counterpart.
func (r *MeetingRequest) Submitted() bool {
	return !r.State.Drafting()
}

// HasSlot reports whether s is already among the candidate slots.
func (r *MeetingRequest) HasSlot(s Slot) bool {
	for _, existing := range r.Slots {
		if existing == s {
			return true
		}
	}
	return false
}

// MeetingCommitment is an accepted meeting. Start, End and the parties never
// change after creation; outcomes and sweep bookkeeping do.
type MeetingCommitment struct {
	ID                 string               `json:"id"`
	RequestID          string               `json:"request_id"`
	RecruiterID        int64                `json:"recruiter_id"`
	RecruiterName      string               `json:"recruiter_name"`
	CounterpartID      int64                `json:"counterpart_id"`
	CounterpartName    string               `json:"counterpart_name"`
	Description        string               `json:"description"`
	DurationMinutes    int                  `json:"duration_minutes"`
	Start              time.Time            `json:"start"`
	End                time.Time            `json:"end"`
	RecruiterOutcome   Outcome              `json:"recruiter_outcome"`
	CounterpartOutcome Outcome              `json:"counterpart_outcome"`
	FeedbackDueAt      time.Time            `json:"feedback_due_at"`
	FeedbackRequestID  string               `json:"feedback_request_id,omitempty"`
	OutcomePromptedAt  *time.Time           `json:"outcome_prompted_at,omitempty"`
	RemindersSent      map[string]time.Time `json:"reminders_sent,omitempty"`
	AcceptedAt         time.Time            `json:"accepted_at"`
}

// PartyOf returns which side userID is on, or false when not a party.
func (c *MeetingCommitment) PartyOf(userID int64) (Party, bool) {
	return partyOf(userID, c.RecruiterID, c.CounterpartID)
}

// PartyID returns the user id of p.
func (c *MeetingCommitment) PartyID(p Party) int64 {
	if p == PartyRecruiter {
		return c.RecruiterID
	}
	return c.CounterpartID
}

// Outcome returns the recorded outcome of p.
func (c *MeetingCommitment) Outcome(p Party) Outcome {
	if p == PartyRecruiter {
		return c.RecruiterOutcome
	}
	return c.CounterpartOutcome
}

// SetOutcome records o for p.
func (c *MeetingCommitment) SetOutcome(p Party, o Outcome) {
	if p == PartyRecruiter {
		c.RecruiterOutcome = o
	} else {
		c.CounterpartOutcome = o
	}
}

// Resolved reports whether both parties reported an outcome.
func (c *MeetingCommitment) Resolved() bool {
	return c.RecruiterOutcome != OutcomePending && c.CounterpartOutcome != OutcomePending
}

func partyOf(userID, recruiterID, counterpartID int64) (Party, bool) {
	switch userID {
	case recruiterID:
		return PartyRecruiter, true
	case counterpartID:
		return PartyCounterpart, true
	}
	return "", false
}
