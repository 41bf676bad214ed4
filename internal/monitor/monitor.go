package monitor

import (
	"context"
	"log"
	"time"

	"apex-engine/internal/events"
)

// Monitor watches events and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

// Start watches both EventRiskAlert and EventSafetyViolation and
// forwards each to AlertFn until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	m.watch(ctx, events.EventRiskAlert)
	m.watch(ctx, events.EventSafetyViolation)
}

func (m *Monitor) watch(ctx context.Context, ev events.Event) {
	stream, unsub := m.Bus.Subscribe(ev, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.AlertFn(formatAlert(string(ev), msg))
			}
		}
	}()
}

func formatAlert(kind string, msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + kind + ": " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case interface{ String() string }:
		return t.String()
	default:
		return "alert triggered"
	}
}
