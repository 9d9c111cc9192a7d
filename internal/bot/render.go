package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/karma-bot/internal/agenda"
	"github.com/xaenox/karma-bot/internal/ledger"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/timezone"
)

const helpText = `Available commands:
/register - create your account
/timezone - choose your time zone
/setrecruiter - act as a recruiter
/setjobseeker - act as a job seeker
/company <name> - set your company name
/meeting @username description - propose a meeting
/meetingstatus - upcoming meetings
/meetinghistory - past meetings
/feedbackstatus - pending feedback
/feedbackhistory - past feedback
/userinfo - your profile and score
/help - this message`

func dateLabel(date string) string {
	t, err := time.Parse(timezone.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("Mon 02 Jan")
}

func renderDraft(req *models.MeetingRequest, maxSlots int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Meeting with @%s, %d min.\n", req.CounterpartName, req.DurationMinutes)
	if len(req.Slots) == 0 {
		fmt.Fprintf(&b, "Pick a time on %s:", dateLabel(req.PendingDate))
		return b.String()
	}
	b.WriteString("Selected slots:\n")
	for _, s := range req.Slots {
		fmt.Fprintf(&b, "• %s %s\n", dateLabel(s.Date), s.Time)
	}
	if len(req.Slots) >= maxSlots {
		b.WriteString("That's the maximum. Submit the request or cancel it.")
	} else {
		fmt.Fprintf(&b, "Add another time on %s, pick another date, or submit.", dateLabel(req.PendingDate))
	}
	return b.String()
}

func renderProfile(u *models.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: @%s\n", u.Handle)
	switch u.Role {
	case models.RoleRecruiter:
		fmt.Fprintf(&b, "Role: %s recruiter\n", u.RecruiterType)
		if u.CompanyName != "" {
			fmt.Fprintf(&b, "Company: %s\n", u.CompanyName)
		}
	default:
		b.WriteString("Role: job seeker\n")
	}
	fmt.Fprintf(&b, "Time zone: %s\n", u.ZoneName())
	fmt.Fprintf(&b, "Score: %d\n", u.Score)
	fmt.Fprintf(&b, "Subscription: %s", u.Subscription.Status)
	if u.Subscription.Expiry != nil {
		fmt.Fprintf(&b, " until %s", timezone.FormatLocal(*u.Subscription.Expiry, u.ZoneName()))
	}
	return b.String()
}

func renderAgenda(kind models.CommitmentKind, history bool, entries []agenda.Entry) string {
	noun := "meetings"
	if kind == models.KindFeedback {
		noun = "feedback commitments"
	}
	title := "Upcoming " + noun
	if history {
		title = "Past " + noun
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No %s.", strings.ToLower(title))
	}

	var b strings.Builder
	b.WriteString(title + ":\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "• %s (%s) with @%s: %s", e.Local, e.Zone, e.With, e.Description)
		if history && e.Outcome != models.OutcomePending {
			fmt.Fprintf(&b, " [%s]", e.Outcome)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderReport(r *ledger.Report) string {
	if r.Repeated {
		return fmt.Sprintf("You already reported this one as %s. Score: %d", r.Outcome, r.Score)
	}
	return fmt.Sprintf("Thanks, recorded as %s. Score: %d (%+d)", r.Outcome, r.Score, r.Delta)
}

// errorText turns an engine error into something the user can act on.
func (d *Dispatcher) errorText(err error) string {
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		return "You are not registered yet. Use /register first."
	case errors.Is(err, models.ErrCounterpartNotFound):
		return "That user hasn't registered with the bot yet."
	case errors.Is(err, models.ErrEntitlementExpired):
		text := "Your free trial has ended. Subscribe to keep scheduling meetings."
		if d.cfg.SubscribeURL != "" {
			text += "\n" + d.cfg.SubscribeURL
		}
		return text
	case errors.Is(err, models.ErrSlotLimitReached):
		return fmt.Sprintf("You can offer at most %d time slots. Submit the request or cancel it.", d.svc.Negotiation.MaxSlots())
	case errors.Is(err, models.ErrNoSlotsSelected):
		return "Pick at least one time slot before submitting."
	case errors.Is(err, models.ErrDurationNotChosen):
		return "Choose a meeting duration first."
	case errors.Is(err, models.ErrInvalidSlot):
		return "That time has already passed. Pick a later one."
	case errors.Is(err, models.ErrInvalidRange):
		lo, hi := d.svc.Obligation.DayRange()
		return fmt.Sprintf("Pick between %d and %d days.", lo, hi)
	case errors.Is(err, models.ErrEmptyDescription):
		return "Usage: /meeting @username description"
	case errors.Is(err, models.ErrEmptyName):
		return "Usage: /company <name>"
	case errors.Is(err, models.ErrHandleRequired):
		return "Set a Telegram username in your settings, then /register again."
	case errors.Is(err, models.ErrAlreadyRegistered):
		return "You are already registered. Use /help to see what you can do."
	case errors.Is(err, models.ErrTimeZoneAlreadySet):
		return "Your time zone is already set."
	case errors.Is(err, models.ErrAlreadyInRole):
		return "You already have that role."
	}

	switch models.KindOf(err) {
	case models.KindNotFound:
		return "That request no longer exists."
	case models.KindInvalidState:
		return "This has already been handled."
	case models.KindValidation:
		msg := err.Error()
		return strings.ToUpper(msg[:1]) + msg[1:] + "."
	case models.KindForbidden:
		return "You are not allowed to do that."
	case models.KindEntitlementDenied:
		return "Your subscription doesn't cover this."
	}
	return "Something went wrong. Please try again later."
}
