package bot

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xaenox/karma-bot/internal/account"
	"github.com/xaenox/karma-bot/internal/agenda"
	"github.com/xaenox/karma-bot/internal/entitlement"
	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/ledger"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/negotiation"
	"github.com/xaenox/karma-bot/internal/notify/notifytest"
	"github.com/xaenox/karma-bot/internal/obligation"
	"github.com/xaenox/karma-bot/internal/storage"
	"go.uber.org/zap"
)

const adminID = int64(42)

var (
	rita = Actor{ID: 1, Handle: "rita"}
	sam  = Actor{ID: 2, Handle: "sam"}
)

type harness struct {
	d     *Dispatcher
	store *storage.MemoryStorage
	rec   *notifytest.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage()
	rec := &notifytest.Recorder{}

	ent := entitlement.New(store, rec, logger)
	sched := obligation.New(obligation.DefaultConfig(), store, rec, logger)
	svc := Services{
		Accounts:    account.New(store, []int64{adminID}, logger),
		Agenda:      agenda.New(store),
		Negotiation: negotiation.New(negotiation.DefaultConfig(), store, rec, ent, sched, logger),
		Obligation:  sched,
		Ledger:      ledger.New(ledger.DefaultConfig(), store, rec, logger),
	}
	cfg := DispatchConfig{
		SubscribeURL:  "https://example.com/subscribe",
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}
	return &harness{d: NewDispatcher(svc, rec, cfg, logger), store: store, rec: rec}
}

func (h *harness) last(t *testing.T, userID int64) notifytest.Message {
	t.Helper()
	msgs := h.rec.For(userID)
	if len(msgs) == 0 {
		t.Fatalf("no messages for user %d", userID)
	}
	return msgs[len(msgs)-1]
}

// tap dispatches the option labelled label from the user's last message.
func (h *harness) tap(t *testing.T, actor Actor, label string) {
	t.Helper()
	msg := h.last(t, actor.ID)
	for _, opt := range msg.Options {
		if opt.Label == label {
			h.d.Handle(context.Background(), actor, opt.Intent)
			return
		}
	}
	t.Fatalf("no option %q in %q (%d options)", label, msg.Text, len(msg.Options))
}

func (h *harness) register(t *testing.T, actor Actor, zoneLabel string) {
	t.Helper()
	h.d.Handle(context.Background(), actor, intent.Register{})
	h.tap(t, actor, zoneLabel)
	if text := h.last(t, actor.ID).Text; !strings.HasPrefix(text, "Time zone set") {
		t.Fatalf("after zone choice: %q", text)
	}
}

func TestMeetingFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, rita, "UTC-05:00 (Eastern Time)")
	h.register(t, sam, "UTC+09:00 (Tokyo)")

	h.d.Handle(ctx, rita, intent.SetRole{Role: models.RoleRecruiter})
	h.tap(t, rita, "Individual")
	if text := h.last(t, rita.ID).Text; !strings.Contains(text, "individual recruiter") {
		t.Fatalf("after role choice: %q", text)
	}

	h.d.Handle(ctx, rita, intent.Propose{CounterpartHandle: "sam", Description: "Go interview"})
	durations := h.last(t, rita.ID)
	if len(durations.Options) != 6 {
		t.Fatalf("duration options = %d, want 5 durations and cancel", len(durations.Options))
	}
	h.tap(t, rita, "60 min")

	dates := h.last(t, rita.ID)
	if len(dates.Options) != 15 {
		t.Fatalf("date options = %d, want 14 dates and cancel", len(dates.Options))
	}
	h.d.Handle(ctx, rita, dates.Options[1].Intent)

	slots := h.last(t, rita.ID)
	for _, opt := range slots.Options {
		if opt.Label == "Submit" {
			t.Fatal("submit offered before any slot was chosen")
		}
	}
	h.tap(t, rita, "12:00")
	h.tap(t, rita, "Submit")
	if text := h.last(t, rita.ID).Text; !strings.Contains(text, "sent to @sam") {
		t.Fatalf("after submit: %q", text)
	}

	invite := h.last(t, sam.ID)
	if len(invite.Options) != 2 || !strings.Contains(invite.Text, "(Asia/Tokyo)") {
		t.Fatalf("invite = %+v", invite)
	}
	h.d.Handle(ctx, sam, invite.Options[0].Intent)

	if text := h.last(t, sam.ID).Text; !strings.HasPrefix(text, "Meeting confirmed with @rita") {
		t.Errorf("counterpart confirmation = %q", text)
	}
	confirmed := false
	for _, m := range h.rec.For(rita.ID) {
		if strings.HasPrefix(m.Text, "Meeting confirmed with @sam") && strings.Contains(m.Text, "12:00-13:00 (America/New_York)") {
			confirmed = true
		}
	}
	if !confirmed {
		t.Errorf("recruiter never got a confirmation: %+v", h.rec.For(rita.ID))
	}

	h.d.Handle(ctx, sam, intent.MeetingStatus{})
	if text := h.last(t, sam.ID).Text; !strings.HasPrefix(text, "Upcoming meetings:") || !strings.Contains(text, "with @rita: Go interview") {
		t.Errorf("meeting status = %q", text)
	}

	// a second tap on the same invite is reported as already handled
	h.d.Handle(ctx, sam, invite.Options[0].Intent)
	if text := h.last(t, sam.ID).Text; text != "⚠️ This has already been handled." {
		t.Errorf("repeated accept = %q", text)
	}
}

func TestDraftKeyboardAtSlotCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, rita, "UTC+00:00 (London)")
	h.register(t, sam, "UTC+01:00 (Berlin)")
	h.d.Handle(ctx, rita, intent.SetRole{Role: models.RoleRecruiter, RecruiterType: models.RecruiterIndividual})

	samBefore := len(h.rec.For(sam.ID))

	h.d.Handle(ctx, rita, intent.Propose{CounterpartHandle: "@sam", Description: "intro"})
	h.tap(t, rita, "30 min")
	h.d.Handle(ctx, rita, h.last(t, rita.ID).Options[2].Intent)
	for _, clock := range []string{"10:00", "11:00", "12:00"} {
		h.tap(t, rita, clock)
	}

	msg := h.last(t, rita.ID)
	if len(msg.Options) != 2 || msg.Options[0].Label != "Submit" || msg.Options[1].Label != "Cancel" {
		t.Errorf("options at cap = %+v, want Submit and Cancel", msg.Options)
	}
	if !strings.Contains(msg.Text, "maximum") {
		t.Errorf("draft text at cap = %q", msg.Text)
	}

	h.tap(t, rita, "Cancel")
	if text := h.last(t, rita.ID).Text; text != "Meeting request canceled." {
		t.Errorf("after cancel = %q", text)
	}
	if len(h.rec.For(sam.ID)) != samBefore {
		t.Error("counterpart told about a draft")
	}
}

func TestErrorRendering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.d.Handle(ctx, rita, intent.UserInfo{})
	if text := h.last(t, rita.ID).Text; text != "⚠️ You are not registered yet. Use /register first." {
		t.Errorf("unregistered = %q", text)
	}

	h.d.Handle(ctx, Actor{ID: 7}, intent.Register{})
	if text := h.last(t, 7).Text; !strings.Contains(text, "Telegram username") {
		t.Errorf("register without handle = %q", text)
	}

	h.register(t, rita, "UTC+00:00 (London)")
	h.d.Handle(ctx, rita, intent.Propose{CounterpartHandle: "sam", Description: "chat"})
	if text := h.last(t, rita.ID).Text; text != "⚠️ You are not allowed to do that." {
		t.Errorf("job seeker propose = %q", text)
	}

	h.d.Handle(ctx, rita, intent.Submit{RequestID: "missing"})
	if text := h.last(t, rita.ID).Text; text != "⚠️ That request no longer exists." {
		t.Errorf("missing request = %q", text)
	}

	h.d.Handle(ctx, rita, intent.SetRole{Role: models.RoleRecruiter, RecruiterType: models.RecruiterCompany})
	h.store.UpdateUser(ctx, rita.ID, func(u *models.User) error {
		u.Subscription = models.Subscription{Status: models.SubscriptionExpired}
		return nil
	})
	h.d.Handle(ctx, rita, intent.Propose{CounterpartHandle: "sam", Description: "chat"})
	if text := h.last(t, rita.ID).Text; !strings.Contains(text, "https://example.com/subscribe") {
		t.Errorf("expired plan = %q", text)
	}
}

func TestProfileAndHelp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, rita, "UTC+09:00 (Tokyo)")
	h.d.Handle(ctx, rita, intent.SetRole{Role: models.RoleRecruiter, RecruiterType: models.RecruiterCompany})
	h.d.Handle(ctx, rita, intent.SetCompany{Name: "Acme"})

	h.d.Handle(ctx, rita, intent.UserInfo{})
	text := h.last(t, rita.ID).Text
	for _, want := range []string{"User: @rita", "Role: company recruiter", "Company: Acme", "Time zone: Asia/Tokyo", "Score: 0", "Subscription: free"} {
		if !strings.Contains(text, want) {
			t.Errorf("profile %q missing %q", text, want)
		}
	}

	h.d.Handle(ctx, rita, intent.Help{})
	if text := h.last(t, rita.ID).Text; text != helpText {
		t.Errorf("help = %q", text)
	}

	h.d.Handle(ctx, sam, intent.Start{})
	if text := h.last(t, sam.ID).Text; !strings.Contains(text, "/register") {
		t.Errorf("start for new user = %q", text)
	}
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := Actor{ID: adminID, Handle: "root"}
	h.register(t, rita, "UTC+00:00 (London)")
	h.register(t, sam, "UTC+00:00 (London)")
	h.register(t, admin, "UTC+00:00 (London)")

	h.d.Handle(ctx, rita, intent.Broadcast{Text: "hi"})
	if text := h.last(t, rita.ID).Text; text != "⚠️ You are not allowed to do that." {
		t.Errorf("non-admin broadcast = %q", text)
	}

	h.rec.Reset()
	h.d.Handle(ctx, admin, intent.Broadcast{Text: "Maintenance tonight"})
	for _, id := range []int64{rita.ID, sam.ID} {
		if msgs := h.rec.For(id); len(msgs) != 1 || msgs[0].Text != "Maintenance tonight" {
			t.Errorf("user %d got %+v", id, msgs)
		}
	}
	if text := h.last(t, adminID).Text; text != "Broadcast sent to 3 of 3 users." {
		t.Errorf("admin summary = %q", text)
	}
}

func TestDirectMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := Actor{ID: adminID, Handle: "root"}
	h.register(t, rita, "UTC+00:00 (London)")
	h.register(t, admin, "UTC+00:00 (London)")

	h.d.Handle(ctx, rita, intent.DirectMessage{ChatID: sam.ID, Text: "hi"})
	if text := h.last(t, rita.ID).Text; text != "⚠️ You are not allowed to do that." {
		t.Errorf("non-admin direct message = %q", text)
	}
	if msgs := h.rec.For(sam.ID); len(msgs) != 0 {
		t.Errorf("target got %+v from a non-admin", msgs)
	}

	h.d.Handle(ctx, admin, intent.DirectMessage{})
	if text := h.last(t, adminID).Text; !strings.HasPrefix(text, "Usage: /directmessage") {
		t.Errorf("empty direct message reply = %q", text)
	}

	// the target does not have to be registered
	h.d.Handle(ctx, admin, intent.DirectMessage{ChatID: sam.ID, Text: "Your trial was extended"})
	if msgs := h.rec.For(sam.ID); len(msgs) != 1 || msgs[0].Text != "Your trial was extended" {
		t.Errorf("target got %+v", msgs)
	}
	if text := h.last(t, adminID).Text; text != "Message sent to 2." {
		t.Errorf("admin confirmation = %q", text)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := Actor{ID: adminID, Handle: "root"}
	h.register(t, rita, "UTC+00:00 (London)")
	h.register(t, admin, "UTC+09:00 (Tokyo)")

	h.d.Handle(ctx, rita, intent.Reset{})
	if text := h.last(t, rita.ID).Text; text != "⚠️ You are not allowed to do that." {
		t.Errorf("non-admin reset = %q", text)
	}

	h.d.Handle(ctx, admin, intent.SetRole{Role: models.RoleRecruiter, RecruiterType: models.RecruiterIndividual})
	h.d.Handle(ctx, admin, intent.Reset{})
	if msg := h.last(t, adminID); len(msg.Options) != 25 {
		t.Fatalf("reset reply = %q with %d options, want the zone list", msg.Text, len(msg.Options))
	}
	h.tap(t, admin, "UTC+01:00 (Berlin)")

	u, err := h.store.GetUser(ctx, adminID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Role != models.RoleJobSeeker || u.TimeZone != "Europe/Berlin" {
		t.Errorf("user after reset = %s in %s", u.Role, u.TimeZone)
	}
}

// flakyStore fails the first n user lookups with a transient error.
type flakyStore struct {
	*storage.MemoryStorage
	n int32
}

func (f *flakyStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	if atomic.AddInt32(&f.n, -1) >= 0 {
		return nil, models.ErrTransientStore
	}
	return f.MemoryStorage.GetUser(ctx, id)
}

func TestHandleRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name     string
		failures int32
		want     string
	}{
		{"recovers", 2, "User: @rita"},
		{"gives up", 3, "⚠️ Something went wrong. Please try again later."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemoryStorage()
			mem.CreateUser(context.Background(), &models.User{ID: rita.ID, Handle: "rita", Role: models.RoleJobSeeker})
			store := &flakyStore{MemoryStorage: mem, n: tt.failures}
			rec := &notifytest.Recorder{}
			d := NewDispatcher(Services{Accounts: account.New(store, nil, zap.NewNop())}, rec,
				DispatchConfig{RetryAttempts: 3, RetryBackoff: time.Millisecond}, zap.NewNop())

			d.Handle(context.Background(), rita, intent.UserInfo{})
			msgs := rec.For(rita.ID)
			if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Text, tt.want) {
				t.Errorf("messages = %+v, want one starting with %q", msgs, tt.want)
			}
		})
	}
}
