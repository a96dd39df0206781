package eventbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"taskpilot/pkg/logx"
)

const defaultMaxBody = 1 << 20

// Webhook turns HTTP requests into bus events.
//
//	POST /webhook/{event}   body: JSON (empty body = {}), header x-source
//	GET  /webhook/test      capability description
type Webhook struct {
	bus     *Bus
	log     logx.Logger
	maxBody int64
	mux     *http.ServeMux
}

func NewWebhook(bus *Bus, log logx.Logger, maxBody int64) *Webhook {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	w := &Webhook{bus: bus, log: log, maxBody: maxBody, mux: http.NewServeMux()}
	w.mux.HandleFunc("GET /webhook/test", w.handleTest)
	w.mux.HandleFunc("POST /webhook/{event}", w.handleTrigger)
	return w
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) { w.mux.ServeHTTP(rw, r) }

type triggerResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Event     string `json:"event"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

func (w *Webhook) handleTrigger(rw http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("event"))
	if name == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"success": false, "error": "event name required"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, w.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]any{"success": false, "error": "body too large"})
			return
		}
		writeJSON(rw, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	var payload any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
			return
		}
	}

	source := strings.TrimSpace(r.Header.Get("x-source"))
	if source == "" {
		source = "webhook"
	}
	w.log.Info("webhook received", logx.String("event", name), logx.String("source", source))

	ev := w.bus.Ingest(name, payload, source)
	writeJSON(rw, http.StatusOK, triggerResponse{
		Success:   true,
		Message:   "Event " + name + " triggered",
		Event:     name,
		ID:        ev.ID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (w *Webhook) handleTest(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"message": "Webhook system operational",
		"endpoints": map[string]string{
			"trigger": "POST /webhook/{event}",
			"list":    "GET /api/events/active",
			"history": "GET /api/events/history",
		},
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
