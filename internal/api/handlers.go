package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/52poke/hondana/internal/events"
	"github.com/52poke/hondana/internal/lifecycle"
	"github.com/52poke/hondana/internal/push"
)

const codeConfigMissing = "config_missing"

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type subscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type sendRequest struct {
	Subscription push.Subscription `json:"subscription"`
	Payload      json.RawMessage   `json:"payload"`
}

type eventRequest struct {
	Type   events.Type `json:"type"`
	Email  string      `json:"email"`
	Title  string      `json:"title"`
	BookID string      `json:"bookId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg, Code: code})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	state := s.Worker.State()
	status := http.StatusOK
	if state == lifecycle.StateUnregistered {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":       status == http.StatusOK,
		"registry": s.Registry.Mode().String(),
		"worker":   state,
	})
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	ack, err := s.Registry.Subscribe(r.Context(), req.Subscription.Endpoint, req.Subscription.Keys)
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	ack, err := s.Registry.Unsubscribe(r.Context(), req.Endpoint)
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) registryError(w http.ResponseWriter, err error) {
	if errors.Is(err, push.ErrInvalidSubscription) {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	s.Logger.Error("registry operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "subscription storage unavailable", "")
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	payload := []byte(req.Payload)
	var text string
	if err := json.Unmarshal(req.Payload, &text); err == nil {
		payload = []byte(text)
	}

	sent, err := s.Dispatcher.SendOne(r.Context(), req.Subscription, payload)
	switch {
	case errors.Is(err, push.ErrSenderIdentityMissing):
		writeError(w, http.StatusServiceUnavailable, "VAPID keys are not configured", codeConfigMissing)
	case errors.Is(err, push.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error(), "")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": sent})
	}
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var n push.Notification
	if err := decode(r, &n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	if strings.TrimSpace(n.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required", "")
		return
	}
	res, err := s.Dispatcher.Dispatch(r.Context(), n)
	if err != nil {
		if errors.Is(err, push.ErrSenderIdentityMissing) {
			writeError(w, http.StatusServiceUnavailable, "VAPID keys are not configured", codeConfigMissing)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) vapidPublicKey(w http.ResponseWriter, r *http.Request) {
	if s.VAPIDPublicKey == "" {
		writeError(w, http.StatusServiceUnavailable, "VAPID public key is not configured", codeConfigMissing)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.VAPIDPublicKey})
}

func (s *Server) newBooks(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("lastCheckDate")); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "lastCheckDate must be an ISO-8601 timestamp", "")
			return
		}
		since = &t
	}
	digest, err := s.Poller.CheckNewItems(r.Context(), since)
	if err != nil {
		s.Logger.Error("new books check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "catalog unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	e, err := events.New(events.Event{Type: req.Type, Email: req.Email, Title: req.Title, BookID: req.BookID})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	// the storefront action already happened; a publish failure only costs the notification
	if err := s.Events.Publish(r.Context(), e); err != nil {
		s.Logger.Error("event publish failed", "id", e.ID, "type", e.Type, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": e.ID})
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"state":   string(s.Worker.State()),
		"version": s.Worker.Version(),
	})
}
