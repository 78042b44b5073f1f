package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/restorebox/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string         `json:"type"`
	Event   *storage.Event `json:"event,omitempty"`
	Run     *storage.Run   `json:"run,omitempty"`
	Content string         `json:"content,omitempty"`
}

// handleWebSocket replays a run's stored events, streams live ones while
// the run is active and ends with a "done" message carrying the final run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	// Subscribe before replaying so nothing falls between the two.
	var live <-chan storage.Event
	if active, ok := s.runs.Get(run.ID); ok {
		ch, unsubscribe := active.Subscribe()
		defer unsubscribe()
		live = ch
	}

	stored, err := s.store.LoadEvents(r.Context(), run.ID)
	if err != nil {
		s.wsWriteJSON(conn, wsOutgoing{Type: "error", Content: err.Error()})
		return
	}

	last := 0
	for i := range stored {
		if !s.wsWriteJSON(conn, wsOutgoing{Type: "event", Event: &stored[i]}) {
			return
		}
		last = stored[i].Seq
	}

	if live != nil {
		closed := s.watchClose(conn)
		for streaming := true; streaming; {
			select {
			case e, ok := <-live:
				if !ok {
					streaming = false
					break
				}
				// Seq 0 means the store never recorded the event, so it
				// cannot have been replayed.
				if e.Seq != 0 && e.Seq <= last {
					continue
				}
				if !s.wsWriteJSON(conn, wsOutgoing{Type: "event", Event: &e}) {
					return
				}
				if e.Seq > last {
					last = e.Seq
				}
			case <-closed:
				return
			}
		}
	}

	final, err := s.store.GetRun(context.Background(), run.ID)
	if err != nil {
		s.wsWriteJSON(conn, wsOutgoing{Type: "error", Content: err.Error()})
		return
	}
	s.wsWriteJSON(conn, wsOutgoing{Type: "done", Run: final})
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// watchClose drains client frames and reports when the client goes away.
func (s *Server) watchClose(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read", "err", err)
				}
				return
			}
		}
	}()
	return closed
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("websocket marshal", "err", err)
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write", "err", err)
		return false
	}
	return true
}
