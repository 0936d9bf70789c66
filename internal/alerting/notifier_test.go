package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleMessage() Message {
	return Message{
		Mode:         ModeAlert,
		AccountsKey:  "A,B",
		AccountNames: []string{"Acme", "B"},
		Period:       "2026-10",
		GeneratedAt:  time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
		Lines: []MetricLine{{
			SKU:        "core_traffic",
			SKUName:    "Application Services",
			Metric:     "requests",
			Label:      "HTTP requests",
			Unit:       "requests",
			Current:    decimal.NewFromInt(15_000_000),
			Threshold:  decimal.NewFromInt(12_000_000),
			Percentage: decimal.NewFromInt(125),
		}},
	}
}

func TestWebhookNotifierSuccess(t *testing.T) {
	var received map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, map[string]string{"X-Token": "secret"}, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("webhook notify: %v", err)
	}
	if auth != "secret" {
		t.Fatalf("custom header not sent")
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "125.0%") || !strings.Contains(text, "Acme") {
		t.Fatalf("unexpected text %q", text)
	}
	if received["accountsKey"] != "A,B" {
		t.Fatalf("accountsKey missing from payload: %#v", received)
	}
}

func TestWebhookNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, nil, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleMessage()); err == nil {
		t.Fatal("HTTP 500 should fail")
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("telegram notify: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	if !strings.HasPrefix(received["text"], "[Usage Alert]") {
		t.Fatalf("unexpected text %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleMessage()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

type recordingNotifier struct {
	messages []Message
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, msg Message) error {
	r.messages = append(r.messages, msg)
	return r.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	ok := &recordingNotifier{}
	broken := &recordingNotifier{err: errors.New("down")}

	err := Fanout{ok, broken}.Notify(context.Background(), sampleMessage())
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.messages) != 1 || len(broken.messages) != 1 {
		t.Fatalf("every channel should be attempted")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
