package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/karma-bot/internal/account"
	"github.com/xaenox/karma-bot/internal/agenda"
	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/ledger"
	"github.com/xaenox/karma-bot/internal/metrics"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/negotiation"
	"github.com/xaenox/karma-bot/internal/notify"
	"github.com/xaenox/karma-bot/internal/obligation"
	"go.uber.org/zap"
)

// Actor is the user an intent is handled for.
type Actor struct {
	ID     int64
	Handle string
}

// Services are the engines intents are routed to.
type Services struct {
	Accounts    *account.Service
	Agenda      *agenda.Service
	Negotiation *negotiation.Engine
	Obligation  *obligation.Scheduler
	Ledger      *ledger.Ledger
}

type DispatchConfig struct {
	SubscribeURL  string
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Dispatcher routes decoded intents to the engines and answers the actor.
// The engines notify the other party themselves.
type Dispatcher struct {
	svc    Services
	out    notify.Channel
	cfg    DispatchConfig
	logger *zap.Logger
}

func NewDispatcher(svc Services, out notify.Channel, cfg DispatchConfig, logger *zap.Logger) *Dispatcher {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Dispatcher{svc: svc, out: out, cfg: cfg, logger: logger}
}

// Handle dispatches in for actor, retrying transient failures, and renders
// any remaining error to the actor.
func (d *Dispatcher) Handle(ctx context.Context, actor Actor, in intent.Intent) {
	var err error
	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		err = d.Dispatch(ctx, actor, in)
		if models.KindOf(err) != models.KindTransient || attempt == d.cfg.RetryAttempts {
			break
		}
		d.logger.Warn("Transient failure, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int64("user_id", actor.ID))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	if err != nil {
		d.renderError(ctx, actor, in, err)
	}
}

// Dispatch runs one intent for actor.
func (d *Dispatcher) Dispatch(ctx context.Context, actor Actor, in intent.Intent) error {
	switch v := in.(type) {
	case intent.Start:
		return d.start(ctx, actor)
	case intent.Register:
		if _, err := d.svc.Accounts.Register(ctx, actor.ID, actor.Handle); err != nil {
			return err
		}
		return d.askTimezone(ctx, actor, "Welcome to KarmaComet! Choose your time zone:")
	case intent.SetTimezone:
		if v.Zone == "" {
			return d.askTimezone(ctx, actor, "Choose your time zone:")
		}
		user, err := d.svc.Accounts.SetTimezone(ctx, actor.ID, v.Zone)
		if err != nil {
			return err
		}
		return d.reply(ctx, actor, fmt.Sprintf("Time zone set to %s.\n\n%s", user.TimeZone, helpText))
	case intent.SetRole:
		return d.setRole(ctx, actor, v)
	case intent.SetCompany:
		user, err := d.svc.Accounts.SetCompany(ctx, actor.ID, v.Name)
		if err != nil {
			return err
		}
		return d.reply(ctx, actor, fmt.Sprintf("Company set to %s.", user.CompanyName))
	case intent.UserInfo:
		user, err := d.svc.Accounts.Profile(ctx, actor.ID)
		if err != nil {
			return err
		}
		return d.reply(ctx, actor, renderProfile(user))
	case intent.MeetingStatus:
		return d.agenda(ctx, actor, models.KindMeeting, false)
	case intent.MeetingHistory:
		return d.agenda(ctx, actor, models.KindMeeting, true)
	case intent.FeedbackStatus:
		return d.agenda(ctx, actor, models.KindFeedback, false)
	case intent.FeedbackHistory:
		return d.agenda(ctx, actor, models.KindFeedback, true)
	case intent.Help:
		return d.reply(ctx, actor, helpText)
	case intent.Broadcast:
		return d.broadcast(ctx, actor, v.Text)
	case intent.DirectMessage:
		return d.directMessage(ctx, actor, v)
	case intent.Reset:
		if _, err := d.svc.Accounts.Reset(ctx, actor.ID); err != nil {
			return err
		}
		return d.askTimezone(ctx, actor, "Your account has been reset. You are a job seeker on the free plan. Choose your time zone:")

	case intent.Propose:
		req, err := d.svc.Negotiation.Propose(ctx, actor.ID, v.CounterpartHandle, v.Description)
		if err != nil {
			return err
		}
		return d.askDuration(ctx, actor, req)
	case intent.ChooseDuration:
		req, err := d.svc.Negotiation.ChooseDuration(ctx, actor.ID, v.RequestID, v.Minutes)
		if err != nil {
			return err
		}
		return d.askDate(ctx, actor, req)
	case intent.ChooseDate:
		req, err := d.svc.Negotiation.ChooseDate(ctx, actor.ID, v.RequestID, v.Date)
		if err != nil {
			return err
		}
		return d.askSlot(ctx, actor, req)
	case intent.AddSlot:
		req, err := d.svc.Negotiation.AddSlot(ctx, actor.ID, v.RequestID, v.Date, v.Time)
		if err != nil {
			return err
		}
		return d.askSlot(ctx, actor, req)
	case intent.Submit:
		req, err := d.svc.Negotiation.Submit(ctx, actor.ID, v.RequestID)
		if err != nil {
			return err
		}
		return d.reply(ctx, actor, fmt.Sprintf("Meeting request sent to @%s. I'll let you know when they answer.", req.CounterpartName))
	case intent.Accept:
		_, err := d.svc.Negotiation.Accept(ctx, actor.ID, v.RequestID, v.Start)
		return err
	case intent.Decline:
		_, err := d.svc.Negotiation.Decline(ctx, actor.ID, v.RequestID)
		return err
	case intent.Cancel:
		return d.svc.Negotiation.Cancel(ctx, actor.ID, v.RequestID)

	case intent.ChooseDays:
		req, err := d.svc.Obligation.ChooseDays(ctx, actor.ID, v.RequestID, v.Days)
		if err != nil {
			return err
		}
		return d.reply(ctx, actor, fmt.Sprintf("Proposed %d day(s) for feedback. Waiting for @%s to approve.", req.Days, req.CounterpartName))
	case intent.ApproveFeedback:
		_, err := d.svc.Obligation.Approve(ctx, actor.ID, v.RequestID)
		return err
	case intent.DeclineFeedback:
		_, err := d.svc.Obligation.Decline(ctx, actor.ID, v.RequestID)
		return err

	case intent.ReportOutcome:
		report, err := d.svc.Ledger.ReportOutcome(ctx, actor.ID, v.Kind, v.CommitmentID, v.Outcome)
		if err != nil {
			return err
		}
		return d.reply(ctx, actor, renderReport(report))
	}
	return fmt.Errorf("unhandled intent %T", in)
}

func (d *Dispatcher) start(ctx context.Context, actor Actor) error {
	user, err := d.svc.Accounts.Profile(ctx, actor.ID)
	if errors.Is(err, models.ErrUserNotFound) {
		return d.reply(ctx, actor, "Welcome to KarmaComet! I help recruiters and job seekers keep their interview commitments.\nUse /register to get started.")
	}
	if err != nil {
		return err
	}
	return d.reply(ctx, actor, fmt.Sprintf("Welcome back, @%s!\n\n%s", user.Handle, helpText))
}

func (d *Dispatcher) setRole(ctx context.Context, actor Actor, v intent.SetRole) error {
	if v.Role == models.RoleRecruiter && v.RecruiterType == "" {
		return d.choose(ctx, actor, "Are you an individual recruiter or a company?",
			notify.Option{Label: "Individual", Intent: intent.SetRole{Role: models.RoleRecruiter, RecruiterType: models.RecruiterIndividual}},
			notify.Option{Label: "Company", Intent: intent.SetRole{Role: models.RoleRecruiter, RecruiterType: models.RecruiterCompany}},
		)
	}
	user, err := d.svc.Accounts.SetRole(ctx, actor.ID, v.Role, v.RecruiterType)
	if err != nil {
		return err
	}
	text := "You are now a job seeker."
	switch user.RecruiterType {
	case models.RecruiterIndividual:
		text = "You are now an individual recruiter. Use /meeting @username description to propose a meeting."
	case models.RecruiterCompany:
		text = "You are now a company recruiter. Set your company name with /company <name>."
	}
	return d.reply(ctx, actor, text)
}

func (d *Dispatcher) agenda(ctx context.Context, actor Actor, kind models.CommitmentKind, history bool) error {
	var (
		entries []agenda.Entry
		err     error
	)
	if history {
		entries, err = d.svc.Agenda.History(ctx, actor.ID, kind)
	} else {
		entries, err = d.svc.Agenda.Upcoming(ctx, actor.ID, kind)
	}
	if err != nil {
		return err
	}
	return d.reply(ctx, actor, renderAgenda(kind, history, entries))
}

// requireAdmin checks that actor is registered and in the admin list.
func (d *Dispatcher) requireAdmin(ctx context.Context, actor Actor) error {
	if _, err := d.svc.Accounts.Profile(ctx, actor.ID); err != nil {
		return err
	}
	if !d.svc.Accounts.IsAdmin(actor.ID) {
		return models.ErrNotAuthorized
	}
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, actor Actor, text string) error {
	if err := d.requireAdmin(ctx, actor); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return d.reply(ctx, actor, "Usage: /broadcast <message>")
	}

	audience, err := d.svc.Accounts.Audience(ctx)
	if err != nil {
		return err
	}
	sent := 0
	for _, u := range audience {
		if notify.Deliver(ctx, d.out, d.logger, u.ID, text) == nil {
			sent++
		}
	}
	d.logger.Info("Broadcast sent", zap.Int64("user_id", actor.ID), zap.Int("recipients", sent))
	return d.reply(ctx, actor, fmt.Sprintf("Broadcast sent to %d of %d users.", sent, len(audience)))
}

// directMessage sends text to one chat. The target need not be registered.
func (d *Dispatcher) directMessage(ctx context.Context, actor Actor, v intent.DirectMessage) error {
	if err := d.requireAdmin(ctx, actor); err != nil {
		return err
	}
	if v.ChatID == 0 || strings.TrimSpace(v.Text) == "" {
		return d.reply(ctx, actor, "Usage: /directmessage <chatId> <message>")
	}

	if err := notify.Deliver(ctx, d.out, d.logger, v.ChatID, v.Text); err != nil {
		return d.reply(ctx, actor, fmt.Sprintf("Could not deliver the message to %d.", v.ChatID))
	}
	d.logger.Info("Direct message sent", zap.Int64("user_id", actor.ID), zap.Int64("chat_id", v.ChatID))
	return d.reply(ctx, actor, fmt.Sprintf("Message sent to %d.", v.ChatID))
}

func (d *Dispatcher) askTimezone(ctx context.Context, actor Actor, prompt string) error {
	options := make([]notify.Option, 0, len(account.Zones))
	for _, z := range account.Zones {
		options = append(options, notify.Option{Label: z.Label, Intent: intent.SetTimezone{Zone: z.Name}})
	}
	return d.choose(ctx, actor, prompt, options...)
}

func (d *Dispatcher) askDuration(ctx context.Context, actor Actor, req *models.MeetingRequest) error {
	var options []notify.Option
	for _, m := range d.svc.Negotiation.Durations() {
		options = append(options, notify.Option{
			Label:  fmt.Sprintf("%d min", m),
			Intent: intent.ChooseDuration{RequestID: req.ID, Minutes: m},
		})
	}
	options = append(options, cancelOption(req.ID))
	return d.choose(ctx, actor, fmt.Sprintf("Meeting with @%s: %s\nChoose the duration:", req.CounterpartName, req.Description), options...)
}

func (d *Dispatcher) askDate(ctx context.Context, actor Actor, req *models.MeetingRequest) error {
	zone := d.zoneOf(ctx, actor.ID)
	var options []notify.Option
	for _, date := range d.svc.Negotiation.DateOptions(zone) {
		options = append(options, notify.Option{
			Label:  dateLabel(date),
			Intent: intent.ChooseDate{RequestID: req.ID, Date: date},
		})
	}
	options = append(options, cancelOption(req.ID))
	return d.choose(ctx, actor, fmt.Sprintf("%d-minute meeting. Choose a date (%s):", req.DurationMinutes, zone), options...)
}

// askSlot offers the times of the pending date, or only submission once
// the slot cap is reached.
func (d *Dispatcher) askSlot(ctx context.Context, actor Actor, req *models.MeetingRequest) error {
	var options []notify.Option
	if len(req.Slots) < d.svc.Negotiation.MaxSlots() {
		for _, clock := range d.svc.Negotiation.TimeOptions() {
			slot := models.Slot{Date: req.PendingDate, Time: clock}
			if req.HasSlot(slot) {
				continue
			}
			options = append(options, notify.Option{
				Label:  clock,
				Intent: intent.AddSlot{RequestID: req.ID, Date: req.PendingDate, Time: clock},
			})
		}
		options = append(options, notify.Option{
			Label:  "Other date",
			Intent: intent.ChooseDuration{RequestID: req.ID, Minutes: req.DurationMinutes},
		})
	}
	if len(req.Slots) > 0 {
		options = append(options, notify.Option{Label: "Submit", Intent: intent.Submit{RequestID: req.ID}})
	}
	options = append(options, cancelOption(req.ID))
	return d.choose(ctx, actor, renderDraft(req, d.svc.Negotiation.MaxSlots()), options...)
}

func (d *Dispatcher) zoneOf(ctx context.Context, userID int64) string {
	user, err := d.svc.Accounts.Profile(ctx, userID)
	if err != nil {
		return "UTC"
	}
	return user.ZoneName()
}

// Reply sends text to actor.
func (d *Dispatcher) Reply(ctx context.Context, actor Actor, text string) {
	notify.Deliver(ctx, d.out, d.logger, actor.ID, text)
}

func (d *Dispatcher) reply(ctx context.Context, actor Actor, text string) error {
	d.Reply(ctx, actor, text)
	return nil
}

func (d *Dispatcher) choose(ctx context.Context, actor Actor, prompt string, options ...notify.Option) error {
	notify.Deliver(ctx, d.out, d.logger, actor.ID, prompt, options...)
	return nil
}

func (d *Dispatcher) renderError(ctx context.Context, actor Actor, in intent.Intent, err error) {
	kind := models.KindOf(err)
	metrics.DispatchErrors.WithLabelValues(kind.String()).Inc()

	fields := []zap.Field{
		zap.Error(err),
		zap.Int64("user_id", actor.ID),
		zap.String("intent", fmt.Sprintf("%T", in)),
	}
	switch kind {
	case models.KindInvalidState, models.KindValidation, models.KindNotFound, models.KindForbidden, models.KindEntitlementDenied:
		d.logger.Info("Intent rejected", fields...)
	default:
		d.logger.Error("Intent failed", fields...)
	}

	notify.Deliver(ctx, d.out, d.logger, actor.ID, "⚠️ "+d.errorText(err))
}

func cancelOption(requestID string) notify.Option {
	return notify.Option{Label: "Cancel", Intent: intent.Cancel{RequestID: requestID}}
}
