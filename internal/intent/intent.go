// Package intent defines the structured user intents the dispatcher routes
// to the engines, and their compact encodings for Telegram callback data.
package intent

import (
	"time"

	"github.com/xaenox/karma-bot/internal/models"
)

// Intent is one decoded user action. The set of variants is closed.
type Intent interface {
	isIntent()
}

// Meeting negotiation.
type (
	Propose struct {
		CounterpartHandle string
		Description       string
	}
	ChooseDuration struct {
		RequestID string
		Minutes   int
	}
	ChooseDate struct {
		RequestID string
		Date      string
	}
	AddSlot struct {
		RequestID string
		Date      string
		Time      string
	}
	Submit struct {
		RequestID string
	}
	Accept struct {
		RequestID string
		Start     time.Time
	}
	Decline struct {
		RequestID string
	}
	Cancel struct {
		RequestID string
	}
)

// Feedback negotiation.
type (
	ChooseDays struct {
		RequestID string
		Days      int
	}
	ApproveFeedback struct {
		RequestID string
	}
	DeclineFeedback struct {
		RequestID string
	}
)

type ReportOutcome struct {
	Kind         models.CommitmentKind
	CommitmentID string
	Outcome      models.Outcome
}

// Account and agenda commands.
type (
	Start    struct{}
	Register struct{}
	// SetTimezone with an empty Zone asks for the zone choices.
	SetTimezone struct {
		Zone string
	}
	// SetRole with an empty RecruiterType for the recruiter role asks for
	// the recruiter type choices.
	SetRole struct {
		Role          models.Role
		RecruiterType models.RecruiterType
	}
	SetCompany struct {
		Name string
	}
	UserInfo        struct{}
	MeetingStatus   struct{}
	MeetingHistory  struct{}
	FeedbackStatus  struct{}
	FeedbackHistory struct{}
	Help            struct{}
	Broadcast       struct {
		Text string
	}
	// DirectMessage with a zero ChatID asks for the usage.
	DirectMessage struct {
		ChatID int64
		Text   string
	}
	// Reset returns the caller's own account to a fresh job seeker.
	Reset struct{}
)

func (Propose) isIntent()         {}
func (ChooseDuration) isIntent()  {}
func (ChooseDate) isIntent()      {}
func (AddSlot) isIntent()         {}
func (Submit) isIntent()          {}
func (Accept) isIntent()          {}
func (Decline) isIntent()         {}
func (Cancel) isIntent()          {}
func (ChooseDays) isIntent()      {}
func (ApproveFeedback) isIntent() {}
func (DeclineFeedback) isIntent() {}
func (ReportOutcome) isIntent()   {}
func (Start) isIntent()           {}
func (Register) isIntent()        {}
func (SetTimezone) isIntent()     {}
func (SetRole) isIntent()         {}
func (SetCompany) isIntent()      {}
func (UserInfo) isIntent()        {}
func (MeetingStatus) isIntent()   {}
func (MeetingHistory) isIntent()  {}
func (FeedbackStatus) isIntent()  {}
func (FeedbackHistory) isIntent() {}
func (Help) isIntent()            {}
func (Broadcast) isIntent()       {}
func (DirectMessage) isIntent()   {}
func (Reset) isIntent()           {}
