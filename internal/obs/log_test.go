package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marlin-relay/internal/config"
)

func TestNewLoggerConsole(t *testing.T) {
	logger := NewLogger(config.Log{Level: "info"})
	assert.NotNil(t, logger)
	logger.Info("smoke test")
}

func TestNewLoggerFile(t *testing.T) {
	logger := NewLogger(config.Log{Level: "debug", Path: t.TempDir() + "/relay.log"})
	assert.NotNil(t, logger)
	logger.Debug("smoke test")
}
