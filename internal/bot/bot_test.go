package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/karma-bot/internal/intent"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/notify"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func TestChannelPresentChoices(t *testing.T) {
	api := &fakeAPI{}
	ch := NewChannel(api)

	var options []notify.Option
	for d := 1; d <= 7; d++ {
		options = append(options, notify.Option{Label: "day", Intent: intent.ChooseDays{RequestID: "fr1", Days: d}})
	}
	if err := ch.PresentChoices(context.Background(), 5, "How many days?", options); err != nil {
		t.Fatalf("PresentChoices: %v", err)
	}

	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T, want MessageConfig", api.sent[0])
	}
	if msg.ChatID != 5 || msg.Text != "How many days?" {
		t.Errorf("message = %d %q", msg.ChatID, msg.Text)
	}
	keyboard, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("reply markup %T", msg.ReplyMarkup)
	}
	if len(keyboard.InlineKeyboard) != 2 || len(keyboard.InlineKeyboard[0]) != 4 || len(keyboard.InlineKeyboard[1]) != 3 {
		t.Fatalf("layout = %v, want rows of 4 and 3", keyboard.InlineKeyboard)
	}

	data := keyboard.InlineKeyboard[1][2].CallbackData
	if data == nil {
		t.Fatal("button has no callback data")
	}
	in, err := intent.DecodeCallback(*data)
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if days, ok := in.(intent.ChooseDays); !ok || days.Days != 7 {
		t.Errorf("last button intent = %#v", in)
	}
}

func TestKeyboardLongLabelsOnePerRow(t *testing.T) {
	var options []notify.Option
	for i := 0; i < 8; i++ {
		options = append(options, notify.Option{Label: "UTC+09:00 (Tokyo)", Intent: intent.SetTimezone{Zone: "Asia/Tokyo"}})
	}
	keyboard, err := Keyboard(options)
	if err != nil {
		t.Fatalf("Keyboard: %v", err)
	}
	if len(keyboard.InlineKeyboard) != 8 {
		t.Errorf("rows = %d, want 8", len(keyboard.InlineKeyboard))
	}
}

func TestKeyboardRejectsTextOnlyIntent(t *testing.T) {
	_, err := Keyboard([]notify.Option{{Label: "help", Intent: intent.Help{}}})
	if !errors.Is(err, intent.ErrNotEncodable) {
		t.Errorf("Keyboard error = %v, want ErrNotEncodable", err)
	}
}

func TestChannelSendFailure(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("Forbidden: bot was blocked by the user")}
	if err := NewChannel(api).SendMessage(context.Background(), 5, "hi"); err == nil {
		t.Error("SendMessage succeeded on API failure")
	}
}

func command(userID int64, handle, text string, length int) *tgbotapi.Message {
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID, UserName: handle},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}
}

func newTestBot(t *testing.T, opts Options) (*Bot, *harness, *fakeAPI) {
	t.Helper()
	h := newHarness(t)
	api := &fakeAPI{updates: make(chan tgbotapi.Update)}
	return New(api, h.d, intent.CommandParser{}, opts, zap.NewNop()), h, api
}

func TestHandleMessage(t *testing.T) {
	b, h, _ := newTestBot(t, Options{RatePerSecond: 100, RateBurst: 100})
	ctx := context.Background()

	b.handleMessage(ctx, command(1, "rita", "/register", 9))
	if msg := h.last(t, 1); len(msg.Options) != 25 {
		t.Fatalf("register reply = %q with %d options, want the zone list", msg.Text, len(msg.Options))
	}

	b.handleMessage(ctx, command(1, "rita", "/company@KarmaCometBot Acme", 22))
	if text := h.last(t, 1).Text; text != "⚠️ You are not allowed to do that." {
		t.Errorf("company as job seeker = %q", text)
	}

	b.handleMessage(ctx, &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 1}, Text: "hello there"})
	if text := h.last(t, 1).Text; text != "Unknown command. Use /help to see available commands." {
		t.Errorf("free text reply = %q", text)
	}

	before := len(h.rec.Messages())
	b.handleMessage(ctx, &tgbotapi.Message{From: &tgbotapi.User{ID: 9, IsBot: true}, Text: "/help"})
	if len(h.rec.Messages()) != before {
		t.Error("replied to another bot")
	}
}

func TestHandleCallback(t *testing.T) {
	b, h, api := newTestBot(t, Options{RatePerSecond: 100, RateBurst: 100})
	ctx := context.Background()
	b.handleMessage(ctx, command(1, "rita", "/register", 9))

	query := &tgbotapi.CallbackQuery{ID: "cb1", From: &tgbotapi.User{ID: 1, UserName: "rita"}, Data: "tz|Europe/London"}
	b.handleCallback(ctx, query)
	b.handleCallback(ctx, query)

	u, err := h.store.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.TimeZone != "Europe/London" {
		t.Errorf("zone = %q", u.TimeZone)
	}
	if len(api.requests) != 2 {
		t.Errorf("callback answers = %d, want 2", len(api.requests))
	}
	if text := h.last(t, 1).Text; !strings.HasPrefix(text, "Time zone set") {
		t.Errorf("duplicate callback produced %q", text)
	}

	b.handleCallback(ctx, &tgbotapi.CallbackQuery{ID: "cb2", From: &tgbotapi.User{ID: 1}, Data: "zz|nope"})
	if text := h.last(t, 1).Text; text != "This button is no longer valid." {
		t.Errorf("bad callback reply = %q", text)
	}

	b.handleCallback(ctx, &tgbotapi.CallbackQuery{ID: "cb3", From: &tgbotapi.User{ID: 1}, Data: "rl|recruiter|company"})
	u, _ = h.store.GetUser(ctx, 1)
	if u.Role != models.RoleRecruiter || u.RecruiterType != models.RecruiterCompany {
		t.Errorf("role after callback = %s/%s", u.Role, u.RecruiterType)
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	b, h, _ := newTestBot(t, Options{RatePerSecond: 0.001, RateBurst: 1})
	ctx := context.Background()

	b.handleMessage(ctx, command(1, "rita", "/help", 5))
	b.handleMessage(ctx, command(1, "rita", "/help", 5))
	if n := len(h.rec.For(1)); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}

	b.handleMessage(ctx, command(2, "sam", "/help", 5))
	if n := len(h.rec.For(2)); n != 1 {
		t.Errorf("other user replies = %d, want 1", n)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	b, _, api := newTestBot(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.stopped {
		t.Error("updates were not stopped")
	}
}

func TestDedup(t *testing.T) {
	d := newDedup(time.Minute)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if d.Seen("a") {
		t.Fatal("first sighting reported as seen")
	}
	if !d.Seen("a") {
		t.Fatal("second sighting not reported")
	}
	now = now.Add(2 * time.Minute)
	if d.Seen("a") {
		t.Error("expired id still reported as seen")
	}
}

func TestUserLimiterDropsStaleClients(t *testing.T) {
	l := newUserLimiter(1, 1)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow(1) || l.Allow(1) {
		t.Fatal("burst of 1 not enforced")
	}
	now = now.Add(5 * time.Minute)
	l.Allow(2)
	if _, ok := l.clients[1]; ok {
		t.Error("stale client kept")
	}
}
