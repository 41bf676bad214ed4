package monitor

import "log"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogAlertSink is the default AlertSink: it writes BUSINESS/LOGIC-class
// alerts (risk alerts, safety violations) to the process log so every
// surfaced error leaves an operator-visible trace.
type LogAlertSink struct{}

func (LogAlertSink) Send(message string) error {
	log.Println("🔔 ALERT:", message)
	return nil
}
