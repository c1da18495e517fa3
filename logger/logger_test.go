package logger

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProjectLogger(t *testing.T) {
	t.Parallel()

	entry := GetProjectLogger()
	assert.Equal(t, projectName, entry.Data["name"])
	assert.Same(t, entry.Logger, GetProjectLogger().Logger)
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	t.Parallel()

	require.Error(t, SetLevel("loud"))
}

func TestSentryLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, sentry.LevelError, sentryLevel(logrus.ErrorLevel))
	assert.Equal(t, sentry.LevelFatal, sentryLevel(logrus.PanicLevel))
	assert.Equal(t, sentry.LevelWarning, sentryLevel(logrus.WarnLevel))
	assert.Equal(t, sentry.LevelInfo, sentryLevel(logrus.InfoLevel))
}
