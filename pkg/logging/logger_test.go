package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	logger.Info().Str("collection", "pantry").Msg("loaded")

	out := buf.String()
	if !strings.Contains(out, `"collection":"pantry"`) {
		t.Errorf("expected structured field in output, got %q", out)
	}
	if !strings.Contains(out, `"message":"loaded"`) {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != Default() {
		t.Error("FromContext without logger should return the default")
	}
	if FromContext(nil) != Default() { //nolint:staticcheck
		t.Error("FromContext(nil) should return the default")
	}
}

func TestWithLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	ctx := WithLogger(context.Background(), &logger)
	FromContext(ctx).Info().Msg("from context")

	if !strings.Contains(buf.String(), "from context") {
		t.Error("context logger was not used")
	}
}

func TestWithCollectionAddsField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	ctx := WithCollection(WithLogger(context.Background(), &logger), "meal-ideas")
	Ctx(ctx).Info().Msg("refresh")

	if !strings.Contains(buf.String(), `"collection":"meal-ideas"`) {
		t.Errorf("expected collection field, got %q", buf.String())
	}
}

func TestTestLoggerCapture(t *testing.T) {
	tl := NewTestLogger(t)

	tl.Info().Str("target_id", "tmp_1").Msg("queued change")
	tl.Debug().Msg("debug is captured too")

	if !tl.Contains("queued change") {
		t.Error("expected captured output to contain message")
	}
	if tl.Count() != 2 {
		t.Errorf("expected 2 entries, got %d", tl.Count())
	}

	tl.Clear()
	if tl.Count() != 0 {
		t.Error("Clear should drop captured entries")
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNopLogger()
	logger.Error().Msg("nobody hears this")

	if logger.GetLevel() != zerolog.Disabled {
		t.Error("nop logger should be disabled")
	}
}
