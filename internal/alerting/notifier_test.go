package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testIntentNote() Notification {
	return Notification{
		Kind:         KindIntent,
		At:           time.Now(),
		IntentID:     "3f1c",
		Direction:    "A->B",
		Amount:       decimal.NewFromInt(5000),
		DeltaBps:     1666,
		ThresholdBps: 50,
		SourceA:      "aave",
		RateA:        decimal.NewFromFloat(0.031),
		RateB:        decimal.NewFromFloat(0.037),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testIntentNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "1666 bps") || !strings.Contains(text, "aave: 0.0310") {
		t.Fatalf("消息内容不完整: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testIntentNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderOutcome(t *testing.T) {
	text := renderMessage(Notification{
		Kind:      KindOutcome,
		At:        time.Unix(0, 0),
		IntentID:  "abc",
		Direction: "B->A",
		Outcome:   "timeout",
		Error:     "rebalance: dispatch timed out",
	})
	if !strings.Contains(text, "Outcome: timeout") || !strings.Contains(text, "Error: rebalance") {
		t.Fatalf("结果消息不正确: %q", text)
	}
	if strings.Contains(text, "Amount") {
		t.Fatalf("结果消息不应包含金额: %q", text)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
