package log

// MultiLogger fans one event stream out to several sinks, typically a
// FileLogger capture alongside a SlogAdapter console feed.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger delivering every event to each sink
// in registration order.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log delivers the event to every configured sink.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

var _ Logger = (*MultiLogger)(nil)
