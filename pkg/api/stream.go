package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/openfroyo/draftsync/pkg/engine"
	"github.com/openfroyo/draftsync/pkg/telemetry"
)

var (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

const streamBuffer = 32

// Stream message types besides engine event types.
const (
	StreamState  = "state"
	StreamClosed = "session.closed"
)

// StreamMessage is pushed to websocket clients. State is the session state
// after the event was applied.
type StreamMessage struct {
	Type  string        `json:"type"`
	Event *engine.Event `json:"event,omitempty"`
	State *engine.State `json:"state,omitempty"`
}

// clientMessage is sent by websocket clients.
type clientMessage struct {
	Type string `json:"type"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if s.events == nil {
		respondError(w, http.StatusNotImplemented, "STREAM_DISABLED", "no event source configured")
		return
	}
	filter, err := streamFilter(r, id)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade to websocket")
		return
	}
	defer conn.Close()

	s.logger.Info().Str("session_id", id).Msg("state stream connected")

	updates := make(chan engine.Event, streamBuffer)
	unsubscribe := s.events.Subscribe(func(ev engine.Event) {
		select {
		case updates <- ev:
		default:
			// slow client; the next state push supersedes this one
		}
	}, filter)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	refresh := make(chan struct{}, 1)
	go s.readStream(ctx, cancel, conn, sess, refresh)

	if err := s.pushState(conn, sess); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Str("session_id", id).Msg("state stream disconnected")
			return

		case ev := <-updates:
			st := sess.State()
			if err := s.writeStream(conn, StreamMessage{Type: string(ev.Type), Event: &ev, State: &st}); err != nil {
				return
			}

		case <-refresh:
			if err := s.pushState(conn, sess); err != nil {
				return
			}

		case <-ticker.C:
			if _, err := s.sessions.Get(id); err != nil {
				_ = s.writeStream(conn, StreamMessage{Type: StreamClosed})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// streamFilter narrows the session events with the optional ?level= and
// ?types=a,b query parameters.
func streamFilter(r *http.Request, sessionID string) (telemetry.EventFilter, error) {
	filters := []telemetry.EventFilter{telemetry.FilterBySession(sessionID)}

	q := r.URL.Query()
	if level := q.Get("level"); level != "" {
		if !telemetry.IsEventLevel(level) {
			return nil, fmt.Errorf("unknown event level %q", level)
		}
		filters = append(filters, telemetry.FilterByLevel(level))
	}
	if raw := q.Get("types"); raw != "" {
		var types []engine.EventType
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, engine.EventType(t))
			}
		}
		filters = append(filters, telemetry.FilterByType(types...))
	}
	return telemetry.AllOf(filters...), nil
}

// readStream handles client messages until the connection drops.
// A {"type":"dismiss"} message clears the session notices.
func (s *Server) readStream(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *engine.Session, refresh chan<- struct{}) {
	defer cancel()

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("state stream read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "dismiss":
			sess.DismissNotices()
		case "refresh":
		default:
			continue
		}
		select {
		case refresh <- struct{}{}:
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) pushState(conn *websocket.Conn, sess *engine.Session) error {
	st := sess.State()
	return s.writeStream(conn, StreamMessage{Type: StreamState, State: &st})
}

func (s *Server) writeStream(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("state stream write failed")
		return err
	}
	return nil
}
