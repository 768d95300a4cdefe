package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// StatsResponse is returned by GET /admin/stats.
type StatsResponse struct {
	models.QueueStats
	WorkerRunning  bool `json:"worker_running"`
	WorkerInFlight int  `json:"worker_in_flight"`
}

// ProviderInfo describes one registered provider.
type ProviderInfo struct {
	Platform       string               `json:"platform"`
	DisplayName    string               `json:"display_name"`
	Enabled        bool                 `json:"enabled"`
	SupportedTypes []models.MessageType `json:"supported_types"`
}

// OutgoingRequest is the body of POST /admin/messages.
type OutgoingRequest struct {
	Platform    string             `json:"platform"`
	Target      string             `json:"target"`
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"message_type,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, "statsHandler", err)
		return
	}
	resp := StatsResponse{QueueStats: stats}
	if s.deps.Worker != nil {
		resp.WorkerRunning = s.deps.Worker.Running()
		resp.WorkerInFlight = s.deps.Worker.InFlight()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) queueEntryHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "queueEntryHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msg))
}

func (s *Server) enqueueOutgoingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req OutgoingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.enqueueOutgoingHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Target == "" {
		writeError(w, "enqueueOutgoingHandler", models.ErrEmptyRecipient)
		return
	}
	if req.Content == "" {
		writeError(w, "enqueueOutgoingHandler", models.ErrEmptyContent)
		return
	}
	if _, err := s.deps.Providers.Get(req.Platform); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unknown platform %q", req.Platform)))
		return
	}

	id, err := s.deps.Queue.Enqueue(r.Context(), models.QueuedMessage{
		Type:         models.QueueTypeOutgoing,
		TargetUserID: req.Target,
		SessionID:    req.SessionID,
		Message: models.ChatMessage{
			SenderID:    models.AssistantSenderID,
			ReceiverID:  req.Target,
			Content:     req.Content,
			MessageType: req.MessageType,
			Platform:    req.Platform,
			Metadata:    req.Metadata,
		},
	})
	if err != nil {
		writeError(w, "enqueueOutgoingHandler", err)
		return
	}
	slog.Info("Server.enqueueOutgoingHandler: outgoing message queued", "id", id, "platform", req.Platform)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(id))
}

func (s *Server) listDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	take, err := queryInt(r, "take")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	page, err := s.deps.DeadLetters.List(r.Context(), skip, take)
	if err != nil {
		writeError(w, "listDeadLettersHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(page))
}

func (s *Server) getDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deps.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "getDeadLetterHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(dl))
}

func (s *Server) reprocessDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.DeadLetters.Reprocess(r.Context(), id); err != nil {
		writeError(w, "reprocessDeadLetterHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("requeued", map[string]string{"id": id}))
}

func (s *Server) reprocessAllDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.DeadLetters.ReprocessAll(r.Context())
	if err != nil {
		writeError(w, "reprocessAllDeadLettersHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"requeued": n}))
}

func (s *Server) deleteDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DeadLetters.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "deleteDeadLetterHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("deleted", nil))
}

func (s *Server) clearDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.DeadLetters.Clear(r.Context())
	if err != nil {
		writeError(w, "clearDeadLettersHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"deleted": n}))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "getSessionHandler", err)
		return
	}
	if sess == nil {
		writeError(w, "getSessionHandler", models.ErrSessionNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) closeSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.CloseSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "closeSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("closed", nil))
}

func (s *Server) listProvidersHandler(w http.ResponseWriter, r *http.Request) {
	providers := s.deps.Providers.List()
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderInfo{
			Platform:       p.PlatformID(),
			DisplayName:    p.DisplayName(),
			Enabled:        p.IsEnabled(),
			SupportedTypes: p.SupportedTypes(),
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) setProviderEnabledHandler(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := chi.URLParam(r, "platform")
		if err := s.deps.Providers.SetEnabled(platform, enabled); err != nil {
			writeError(w, "setProviderEnabledHandler", err)
			return
		}
		slog.Info("Server.setProviderEnabledHandler: provider toggled", "platform", platform, "enabled", enabled)
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"platform": platform, "enabled": enabled}))
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}
