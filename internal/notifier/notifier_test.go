package notifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"slot_bot/internal/model"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

type mockSender struct {
	mu       sync.Mutex
	messages []sentMessage
	failFor  map[int64]error
}

func (m *mockSender) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[chatID]; err != nil {
		return err
	}
	m.messages = append(m.messages, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *mockSender) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

var ny = model.Center{ID: "NY", Name: "New York JFK", LocationCode: "5140"}

func slot(s string) model.Slot {
	t, err := time.Parse(model.SlotLayout, s)
	if err != nil {
		panic(err)
	}
	return model.Slot{CenterID: "NY", Start: t}
}

func result(slots ...string) model.DiffResult {
	res := model.DiffResult{CenterID: "NY"}
	for _, s := range slots {
		sl := slot(s)
		res.New = append(res.New, sl)
		res.NewKeys = append(res.NewKeys, sl.Key(model.PerSlot))
	}
	return res
}

func newTestNotifier(sender Sender) *Notifier {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sender, 1000, "https://example.com/schedule", log)
}

func TestNotifyPartialFailure(t *testing.T) {
	sender := &mockSender{failFor: map[int64]error{
		200: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"},
	}}
	n := newTestNotifier(sender)

	subs := []model.Subscriber{{ChatID: 100}, {ChatID: 200}}
	report := n.Notify(context.Background(), ny, result("2024-01-06T10:00"), subs)

	if diff := cmp.Diff([]int64{100}, report.Delivered); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(report.Failed)); diff != "" {
		t.Fatalf("failed count mismatch (-want +got):\n%s", diff)
	}
	f := report.Failed[0]
	if f.ChatID != 200 || !f.Blocked || f.Err == nil {
		t.Errorf("unexpected failure entry: %+v", f)
	}
	if diff := cmp.Diff(2, report.Attempted()); diff != "" {
		t.Errorf("attempted mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyTransientFailureNotBlocked(t *testing.T) {
	sender := &mockSender{failFor: map[int64]error{100: errors.New("connection reset")}}
	n := newTestNotifier(sender)

	report := n.Notify(context.Background(), ny, result("2024-01-06T10:00"), []model.Subscriber{{ChatID: 100}})
	if diff := cmp.Diff(1, len(report.Failed)); diff != "" {
		t.Fatalf("failed count mismatch (-want +got):\n%s", diff)
	}
	if report.Failed[0].Blocked {
		t.Error("plain network error reported as blocked")
	}
}

func TestNotifyBatchesSlots(t *testing.T) {
	sender := &mockSender{}
	n := newTestNotifier(sender)

	res := result("2024-01-05T09:00", "2024-01-06T10:00", "2024-01-07T11:30")
	report := n.Notify(context.Background(), ny, res, []model.Subscriber{{ChatID: 100}})

	msgs := sender.getMessages()
	if diff := cmp.Diff(1, len(msgs)); diff != "" {
		t.Fatalf("message count mismatch (-want +got):\n%s", diff)
	}
	for _, want := range []string{
		"3 appointments available at New York JFK (NY)",
		"9:00 AM on Friday, January 5, 2024",
		"10:00 AM on Saturday, January 6, 2024",
		"11:30 AM on Sunday, January 7, 2024",
		"https://example.com/schedule",
	} {
		if !strings.Contains(msgs[0].Text, want) {
			t.Errorf("message missing %q:\n%s", want, msgs[0].Text)
		}
	}
	if diff := cmp.Diff([]int64{100}, report.Delivered); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyAppliesWindows(t *testing.T) {
	sender := &mockSender{}
	n := newTestNotifier(sender)

	jan := model.Window{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	}
	feb := model.Window{From: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
	subs := []model.Subscriber{
		{ChatID: 100, Window: jan},
		{ChatID: 200, Window: feb},
		{ChatID: 300},
	}

	report := n.Notify(context.Background(), ny, result("2024-01-05T09:00", "2024-01-06T10:00"), subs)

	if diff := cmp.Diff([]int64{100, 300}, report.Delivered); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{200}, report.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}

	msgs := sender.getMessages()
	if strings.Contains(msgs[0].Text, "January 6") {
		t.Errorf("windowed chat got slot outside its window:\n%s", msgs[0].Text)
	}
	if !strings.Contains(msgs[1].Text, "January 6") {
		t.Errorf("unwindowed chat missing slot:\n%s", msgs[1].Text)
	}
}

func TestNotifyNothingNew(t *testing.T) {
	sender := &mockSender{}
	n := newTestNotifier(sender)

	report := n.Notify(context.Background(), ny, model.DiffResult{CenterID: "NY"}, []model.Subscriber{{ChatID: 100}})
	if diff := cmp.Diff(0, report.Attempted()); diff != "" {
		t.Errorf("attempted mismatch (-want +got):\n%s", diff)
	}
	if len(sender.getMessages()) != 0 {
		t.Error("expected no messages")
	}
}

func TestNotifyCancelledContext(t *testing.T) {
	sender := &mockSender{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := New(sender, 1, "", log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	subs := []model.Subscriber{{ChatID: 100}, {ChatID: 200}}
	report := n.Notify(ctx, ny, result("2024-01-06T10:00"), subs)
	if diff := cmp.Diff(2, len(report.Failed)); diff != "" {
		t.Errorf("failed count mismatch (-want +got):\n%s", diff)
	}
	if len(sender.getMessages()) != 0 {
		t.Error("expected no messages after cancellation")
	}
}

func TestFormatNotification(t *testing.T) {
	center := model.Center{ID: "NY", Name: "New York JFK", Address: "JFK Terminal 4"}

	t.Run("single slot", func(t *testing.T) {
		got := FormatNotification(center, []model.Slot{slot("2024-01-05T14:05")}, "")
		want := "Appointment available at New York JFK (NY)\n\n- 2:05 PM on Friday, January 5, 2024\n\nJFK Terminal 4"
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("FormatNotification() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("long list is capped", func(t *testing.T) {
		var slots []model.Slot
		start := slot("2024-01-05T08:00")
		for i := 0; i < maxListed+3; i++ {
			s := start
			s.Start = start.Start.Add(time.Duration(i) * 15 * time.Minute)
			slots = append(slots, s)
		}
		got := FormatNotification(model.Center{ID: "NY"}, slots, "")
		if !strings.Contains(got, "...and 3 more") {
			t.Errorf("expected overflow line, got:\n%s", got)
		}
		if !strings.HasPrefix(got, "18 appointments available at NY") {
			t.Errorf("unexpected header:\n%s", got)
		}
	})
}

func TestReportRetryable(t *testing.T) {
	blocked := &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	tests := []struct {
		name   string
		report Report
		want   bool
	}{
		{name: "all delivered", report: Report{Delivered: []int64{100}}},
		{name: "blocked only", report: Report{Failed: []Failure{{ChatID: 100, Err: blocked, Blocked: true}}}},
		{
			name:   "transient failure",
			report: Report{Delivered: []int64{200}, Failed: []Failure{{ChatID: 100, Err: errors.New("telegram 502")}}},
			want:   true,
		},
		{
			name: "blocked and transient",
			report: Report{Failed: []Failure{
				{ChatID: 100, Err: blocked, Blocked: true},
				{ChatID: 200, Err: errors.New("timeout")},
			}},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.report.Retryable()); diff != "" {
				t.Errorf("Retryable mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
