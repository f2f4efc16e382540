package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/adverant/nexus/beanscan-worker/internal/livechannel"
	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/registry"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribe attaches to the job's live channel. For a job that has already
// left the hub the returned subscription holds just its terminal event.
func (s *Server) subscribe(r *http.Request) (*livechannel.Subscription, error) {
	jobID := mux.Vars(r)["id"]
	if ch, ok := s.deps.Hub.Get(jobID); ok {
		return ch.Subscribe(), nil
	}
	job, err := s.lookupJob(r.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if !job.State.IsTerminal() {
		return s.deps.Hub.Open(jobID).Subscribe(), nil
	}
	ch := livechannel.New(jobID, 1)
	_ = ch.Close(models.TerminalEvent(job))
	return ch.Subscribe(), nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscribe(r)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Unsubscribe()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("stream client gone", slog.String("job_id", ev.JobID), slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.IsTerminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscribe(r)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// Reads only detect the peer going away; clients send nothing we use
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.Heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.IsTerminal() {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type))
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}
