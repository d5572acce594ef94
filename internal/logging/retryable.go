package logging

import (
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// RetryableLogger adapts logrus to retryablehttp's LeveledLogger. Request
// chatter is demoted one level so a default run stays quiet.
type RetryableLogger struct {
	log logrus.FieldLogger
}

var _ retryablehttp.LeveledLogger = (*RetryableLogger)(nil)

// NewRetryableLogger wraps log for use as retryablehttp.Client.Logger
func NewRetryableLogger(log logrus.FieldLogger) *RetryableLogger {
	return &RetryableLogger{log: Component(log, "http")}
}

func (l *RetryableLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Warn(msg)
}

func (l *RetryableLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *RetryableLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *RetryableLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Info(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}
