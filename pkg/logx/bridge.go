package logx

import "fmt"

// CronLogger adapts Logger to the robfig/cron logging interface.
// Info-level cron chatter is demoted to debug.
type CronLogger struct{ L Logger }

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.Error("cron: "+msg, append(kvFields(keysAndValues), Err(err))...)
}

// MigrateLogger adapts Logger to the golang-migrate Logger interface.
type MigrateLogger struct{ L Logger }

func (m MigrateLogger) Printf(format string, v ...interface{}) {
	m.L.Info(trimNewline(fmt.Sprintf(format, v...)))
}

func (m MigrateLogger) Verbose() bool { return m.L.Enabled(LevelDebug) }

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
