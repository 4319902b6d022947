package logger

// Logger is the structured logging surface used by the decision engine and
// its collaborators. Key/value pairs alternate: key, value, key, value.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// Default returns the logger used when none is configured.
func Default() Logger { return NewNullLogger() }

// RequestIDFunc generates a correlation ID for each decision. It should be
// cheap and safe for concurrent calls.
type RequestIDFunc func() string
