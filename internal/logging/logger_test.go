package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"upsrouter/internal/config"
	"upsrouter/internal/logging"
	"upsrouter/internal/services"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon ready")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "upsrouter.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "daemon ready") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "processor").Info("message without caller", logging.String("workitem_uid", "2.25.1"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
	if !strings.Contains(line, "INFO processor [2.25.1]: message without caller") {
		t.Fatalf("expected component and workitem prefix, got %q", line)
	}
	if strings.Contains(line, "workitem_uid=") {
		t.Fatalf("workitem uid should only appear in the prefix, got %q", line)
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("expected no color codes in file output, got %q", line)
	}
}

func TestConsoleLoggerFormatsFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-fields.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.WithGroup("subscriber").Info("notified",
		logging.String("url", "http://viewer:8042/notify"),
		logging.Float64(logging.FieldProgressPercent, 37.5),
		logging.String("description", "AI model analyzing data"),
	)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	for _, want := range []string{
		"INFO notified ",
		"subscriber.url=http://viewer:8042/notify",
		"subscriber.progress_percent=37.5",
		`subscriber.description="AI model analyzing data"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerFansOutToEveryDestination(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{first, second}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("fanout", logging.Int("count", 2))

	for _, path := range []string{first, second} {
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		var payload map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(content), &payload); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if payload["msg"] != "fanout" || payload["level"] != "warn" {
			t.Fatalf("unexpected payload in %s: %v", path, payload)
		}
		if _, ok := payload["ts"]; !ok {
			t.Fatalf("expected ts key in %s: %v", path, payload)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsWorkitemFields(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := services.WithWorkitemUID(context.Background(), "2.25.7")
	ctx = services.WithStage(ctx, "upload")
	logging.WithContext(ctx, base).Info("checkpoint")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload[logging.FieldWorkitemUID] != "2.25.7" || payload[logging.FieldStage] != "upload" {
		t.Fatalf("unexpected fields: %v", payload)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.WarnWithContext(logger, "upload failed", "artifact_upload_failed")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("expected %s in %v", key, payload)
		}
	}
	if payload[logging.FieldEventType] != "artifact_upload_failed" {
		t.Fatalf("unexpected event type: %v", payload[logging.FieldEventType])
	}
}
