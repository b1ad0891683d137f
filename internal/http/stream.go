package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/buildboard/internal/ws"
)

func streamTopic(req *http.Request) (string, bool) {
	topic := strings.ToLower(strings.TrimSpace(req.URL.Query().Get("topic")))
	switch topic {
	case "":
		return ws.TopicBuilds, true
	case ws.TopicBuilds, ws.TopicAlerts:
		return topic, true
	default:
		return "", false
	}
}

func (r *Router) handleBuildsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	topic, ok := streamTopic(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "topic must be builds or alerts")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		client.Wait()
	}()
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	topic, ok := streamTopic(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "topic must be builds or alerts")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, topic, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
