package api

import (
	"log"
	"net/http"

	"apex-engine/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame tags every pushed message with the topic that produced it so the
// dashboard can demux a single connection instead of opening one socket
// per event kind.
type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// websocket streams order fills and alerts (risk/safety) live; it carries
// no mutating capability.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	fills, unsubFills := s.Bus.Subscribe(events.EventOrderFilled, 100)
	defer unsubFills()
	riskAlerts, unsubRisk := s.Bus.Subscribe(events.EventRiskAlert, 50)
	defer unsubRisk()
	safety, unsubSafety := s.Bus.Subscribe(events.EventSafetyViolation, 50)
	defer unsubSafety()

	ctx := c.Request.Context()
	for {
		var frame wsFrame
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-fills:
			if !ok {
				return
			}
			frame = wsFrame{Topic: "order.filled", Payload: msg}
		case msg, ok := <-riskAlerts:
			if !ok {
				return
			}
			frame = wsFrame{Topic: "risk_alert", Payload: msg}
		case msg, ok := <-safety:
			if !ok {
				return
			}
			frame = wsFrame{Topic: "safety_violation", Payload: msg}
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
