package monitor

import (
	"lspm"
	"lspm/internal/logger"
)

// EventSink receives the status events the control loop emits on state
// transitions. Emit must not block; the loop calls it inline.
type EventSink interface {
	Emit(event lspm.SwitchEvent)
}

// LoggerSink writes events as status lines through the application logger.
type LoggerSink struct {
	log *logger.Logger
}

func NewLoggerSink(log *logger.Logger) *LoggerSink {
	return &LoggerSink{log: log}
}

func (s *LoggerSink) Emit(event lspm.SwitchEvent) {
	fields := []any{"event", event.Type, "event_id", event.EventID}
	if event.Battery != nil {
		fields = append(fields, "battery_pct", event.Battery.Percentage, "power_plugged", event.Battery.IsCharging)
	}
	s.log.Infow(event.Description, fields...)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(event lspm.SwitchEvent) {
	for _, s := range m {
		s.Emit(event)
	}
}
