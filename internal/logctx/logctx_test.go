package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerFromContext_Fallback(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Error("expected slog.Default() for a bare context")
	}
}

func TestWithLogger_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)

	if LoggerFromContext(ctx) != logger {
		t.Error("expected the logger stored in the context")
	}
}

func TestWithTransfer_AddsTransferID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx = WithTransfer(ctx, "t-123")

	LoggerFromContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if entry["transfer_id"] != "t-123" {
		t.Errorf("expected transfer_id=t-123, got %v", entry["transfer_id"])
	}
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if _, exists := entry["trace_id"]; exists {
		t.Errorf("trace_id should not be present without a span, got %v", entry["trace_id"])
	}
	if entry["msg"] != "test message" || entry["key"] != "value" {
		t.Errorf("unexpected log entry: %v", entry)
	}
}

func TestTraceHandler_NilInnerPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil inner handler")
		}
	}()

	NewTraceHandler(nil)
}
