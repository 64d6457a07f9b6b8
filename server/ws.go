package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"otcbroker/deal"
	"otcbroker/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBatchLimit   = 100
)

// EventMessage is one frame of the /ws/events stream.
type EventMessage struct {
	Seq     uint64    `json:"seq"`
	DealID  string    `json:"deal_id"`
	LegID   string    `json:"leg_id,omitempty"`
	Action  string    `json:"action"`
	Details string    `json:"details,omitempty"`
	At      time.Time `json:"at"`
}

// handleEventsWS upgrades the connection and tails the deal event stream.
// Clients resume with ?after=<seq>; without a cursor the stream starts at the
// current tail and only delivers new events.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	after, hasCursor, err := parseCursor(r)
	if err != nil {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	if !hasCursor {
		latest, err := s.legs.LatestEventSeq(r.Context())
		if err != nil {
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
			return
		}
		after = latest
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	observability.Stream().SubscriberConnected()
	defer observability.Stream().SubscriberDisconnected()

	if err := s.streamEvents(r.Context(), conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && r.Context().Err() == nil {
			observability.Stream().RecordDrop("stream_error")
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// streamEvents polls the store for rows past the cursor and forwards them in
// order. The append-only Seq makes delivery both gapless and resumable.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64) error {
	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()
	for {
		for {
			events, err := s.legs.EventsAfter(ctx, after, wsBatchLimit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				break
			}
			for _, event := range events {
				if err := writeEvent(ctx, conn, event); err != nil {
					return err
				}
				observability.Stream().RecordEvent(event.Action)
				after = event.Seq
			}
			if len(events) < wsBatchLimit {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event deal.Event) error {
	message := EventMessage{
		Seq:     event.Seq,
		DealID:  event.DealID.String(),
		Action:  event.Action,
		Details: event.Details,
		At:      event.CreatedAt,
	}
	if event.LegID != nil {
		message.LegID = event.LegID.String()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseCursor(r *http.Request) (uint64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return 0, false, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return after, true, nil
}
