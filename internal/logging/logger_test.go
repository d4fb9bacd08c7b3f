package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNopSwallowsEverything(t *testing.T) {
	logger := Nop()
	logger.Debug("debug %d", 1)
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	var typed *componentLogger
	assert.Equal(t, Nop(), OrNop(typed))

	real := NewComponentLogger("test")
	assert.Equal(t, real, OrNop(real))
}

func TestComponentLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := FromSlog(slog.New(slog.NewTextHandler(&buf, nil)))

	logger.Info("created %d agents for %s", 3, "user-a")

	out := buf.String()
	assert.Contains(t, out, "created 3 agents for user-a")
}

func TestConfigureLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := FromSlog(slog.New(newHandlerForTest(&buf, "warn")))

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Error("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func newHandlerForTest(buf *bytes.Buffer, level string) slog.Handler {
	return newHandler(Config{Level: level, Output: buf})
}

func TestMultiFansOut(t *testing.T) {
	var first, second bytes.Buffer
	logger := Multi(
		FromSlog(slog.New(slog.NewTextHandler(&first, nil))),
		nil,
		FromSlog(slog.New(slog.NewTextHandler(&second, nil))),
	)

	logger.Warn("degraded to %s", "minimal")

	for _, buf := range []*bytes.Buffer{&first, &second} {
		if !strings.Contains(buf.String(), "degraded to minimal") {
			t.Fatalf("expected fan-out write, got %q", buf.String())
		}
	}
}

func TestMultiCollapsesSingle(t *testing.T) {
	logger := NewComponentLogger("only")
	assert.Equal(t, logger, Multi(nil, logger))
	assert.Equal(t, Nop(), Multi(nil, nil))
}
