package logging

// CronLogger adapts Logger to the robfig/cron Logger interface.
type CronLogger struct {
	l *Logger
}

// NewCronLogger returns a cron-compatible view of l.
func NewCronLogger(l *Logger) CronLogger {
	return CronLogger{l: l}
}

// Info logs routine scheduler messages at debug level; cron is chatty.
func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

// Error logs scheduler errors.
func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
