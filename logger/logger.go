// Package logger holds the process-wide logrus logger shared by every antiphon component.
package logger

import (
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
)

const projectName = "antiphon"

var (
	once sync.Once
	base *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// GetProjectLogger returns the entry all components log through.
func GetProjectLogger() *logrus.Entry {
	return root().WithField("name", projectName)
}

// SetLevel parses and applies a logrus level name such as "debug" or "warn".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.WithStackTrace(err)
	}
	root().SetLevel(lvl)
	return nil
}

// AddSentryHook initializes Sentry with dsn and forwards entries at error level and above to it. The returned
// function flushes buffered events and should be deferred by the caller.
func AddSentryHook(dsn, environment string) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     projectName,
	})
	if err != nil {
		return nil, errors.WithStackTrace(err)
	}
	root().AddHook(&sentryHook{hub: sentry.CurrentHub()})
	return func() { sentry.Flush(2 * time.Second) }, nil
}

type sentryHook struct {
	hub *sentry.Hub
}

func (h *sentryHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *sentryHook) Fire(entry *logrus.Entry) error {
	h.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range entry.Data {
			if k == logrus.ErrorKey {
				continue
			}
			scope.SetExtra(k, v)
		}
		scope.SetLevel(sentryLevel(entry.Level))
		if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
			h.hub.CaptureException(err)
			return
		}
		h.hub.CaptureMessage(entry.Message)
	})
	return nil
}

func sentryLevel(l logrus.Level) sentry.Level {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	case logrus.ErrorLevel:
		return sentry.LevelError
	case logrus.WarnLevel:
		return sentry.LevelWarning
	case logrus.DebugLevel, logrus.TraceLevel:
		return sentry.LevelDebug
	default:
		return sentry.LevelInfo
	}
}
