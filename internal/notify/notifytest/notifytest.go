// Package notifytest provides a recording notify.Channel for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/xaenox/karma-bot/internal/notify"
)

// Message is one recorded delivery. Options is nil for plain messages.
type Message struct {
	UserID  int64
	Text    string
	Options []notify.Option
}

// Recorder records every delivery. Set Err to make deliveries fail.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (r *Recorder) SendMessage(ctx context.Context, userID int64, text string) error {
	return r.record(Message{UserID: userID, Text: text})
}

func (r *Recorder) PresentChoices(ctx context.Context, userID int64, prompt string, options []notify.Option) error {
	return r.record(Message{UserID: userID, Text: prompt, Options: options})
}

func (r *Recorder) record(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, m)
	return nil
}

// SetErr changes the failure mode under the lock.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}

// Messages returns a copy of all deliveries so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// For returns the deliveries addressed to userID.
func (r *Recorder) For(userID int64) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops all recorded deliveries.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
