package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 区分通知类型。
type Kind string

const (
	// KindIntent 新的调仓意图已发出。
	KindIntent Kind = "intent"
	// KindOutcome 调仓意图已结束 (失败或超时)。
	KindOutcome Kind = "outcome"
)

// Notification 封装通知上下文。
type Notification struct {
	Kind         Kind
	At           time.Time
	IntentID     string
	Direction    string
	Amount       decimal.Decimal
	DeltaBps     uint64
	ThresholdBps uint64
	SourceA      string
	SourceB      string
	RateA        decimal.Decimal
	RateB        decimal.Decimal
	Outcome      string
	TxHash       string
	Error        string
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("intent", note.IntentID).
		Str("direction", note.Direction).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindOutcome:
		builder.WriteString("[Autolend Rebalance Outcome]\n")
	default:
		builder.WriteString("[Autolend Rebalance Intent]\n")
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.IntentID != "" {
		builder.WriteString(fmt.Sprintf("Intent: %s\n", note.IntentID))
	}
	builder.WriteString(fmt.Sprintf("Direction: %s\n", note.Direction))

	if note.Kind == KindOutcome {
		builder.WriteString(fmt.Sprintf("Outcome: %s\n", note.Outcome))
		if note.TxHash != "" {
			builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash))
		}
		if note.Error != "" {
			builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
		}
		return builder.String()
	}

	builder.WriteString(fmt.Sprintf("Amount: %s\n", note.Amount.String()))
	builder.WriteString(fmt.Sprintf("Delta: %d bps (threshold %d bps)\n", note.DeltaBps, note.ThresholdBps))
	builder.WriteString(fmt.Sprintf("%s: %s\n", labelOr(note.SourceA, "A"), note.RateA.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("%s: %s\n", labelOr(note.SourceB, "B"), note.RateB.StringFixed(4)))
	return builder.String()
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

var _ Notifier = (*TelegramNotifier)(nil)
