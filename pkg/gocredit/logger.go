package gocredit

// Field is one key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives ledger and session events. Adapters live under logger/.
// Persistence failures go to Error, absorbed shortfalls and breaker trips to Warn,
// state changes (allocate, initialize, settle) to Info and deductions to Debug.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when Config.Logger is nil.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}

// sessionFields prefixes extra with the user and session identifiers.
func sessionFields(userID, sessionID string, extra ...Field) []Field {
	fields := make([]Field, 0, 2+len(extra))
	fields = append(fields,
		Field{Key: "user_id", Value: userID},
		Field{Key: "session_id", Value: sessionID},
	)
	return append(fields, extra...)
}
