package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithService(newLogger(Config{Level: "warn"}, &buf), "autolend", "test")

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "service").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("warn 级别下只应输出一行, 实际 %d", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("日志应为 JSON: %v", err)
	}
	if entry["app"] != "autolend" || entry["env"] != "test" || entry["message"] != "visible" {
		t.Fatalf("字段不正确: %v", entry)
	}
}

func TestNewLoggerConsoleAndDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Format: "console", Level: "nonsense"}, &buf)
	logger.Debug().Msg("debug hidden")
	logger.Info().Msg("info shown")

	out := buf.String()
	if strings.Contains(out, "debug hidden") || !strings.Contains(out, "info shown") {
		t.Fatalf("非法级别应回退到 info: %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("console 格式不应输出 JSON: %q", out)
	}
}
