package log_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/ruleflow/pkg/log"
	"github.com/stretchr/testify/assert"
)

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := log.CronLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	logger.Info("wake", "now", "t")
	assert.Empty(t, buf.String(), "routine messages are debug level")

	logger.Error(errors.New("boom"), "job panicked", "entry", 3)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "msg=\"job panicked\"")
	assert.Contains(t, buf.String(), "entry=3")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestWithModule(t *testing.T) {
	var buf bytes.Buffer

	previous := slog.Default()
	defer slog.SetDefault(previous)

	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	log.WithModule("scheduler").Info("started")
	assert.Contains(t, buf.String(), "module=scheduler")
}
