package log

// Logger receives protocol events from every layer: framing, service
// sessions and the orchestrator. Implementations must be safe for
// concurrent use. Log is called from session read loops, so a slow
// sink delays frame dispatch; queue or drop rather than block.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards every event. The zero value is ready to use.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

var _ Logger = NoopLogger{}
