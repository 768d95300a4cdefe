package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/models"
)

// webhookHandler validates a platform callback, parses it and queues the message.
// The platform gets its acknowledgement as soon as the entry is durable.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	platform := chi.URLParam(r, "platform")
	p, err := s.deps.Providers.Get(platform)
	if err != nil {
		slog.Warn("Server.webhookHandler: unknown platform", "platform", platform)
		writeJSONResponse(w, http.StatusNotFound, models.Error("unknown platform"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("payload too large"))
			return
		}
		slog.Warn("Server.webhookHandler: failed to read body", "platform", platform, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("failed to read body"))
		return
	}

	v := p.ValidateWebhook(r.Context(), messaging.WebhookRequest{
		Method:  r.Method,
		URL:     s.requestURL(r),
		Headers: r.Header,
		Body:    body,
	})
	if !v.Valid {
		slog.Warn("Server.webhookHandler: webhook rejected", "platform", platform, "reason", v.Reason)
		writeJSONResponse(w, http.StatusForbidden, models.Error(models.ErrInvalidWebhook.Error()))
		return
	}
	if v.Challenge != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, v.Challenge)
		return
	}
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusOK, models.Ignored("nothing to ingest"))
		return
	}

	res, err := s.deps.Ingestor.Ingest(r.Context(), p, body)
	switch {
	case err != nil && messaging.IsClientError(err):
		slog.Warn("Server.webhookHandler: unparseable payload", "platform", platform, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case err != nil:
		// A 5xx makes the platform redeliver; dedup drops the copy if the first one landed.
		slog.Error("Server.webhookHandler: ingest failed", "platform", platform, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to queue message"))
	case res.Duplicate:
		writeJSONResponse(w, http.StatusOK, models.Ignored("duplicate"))
	case res.Ignored:
		writeJSONResponse(w, http.StatusOK, models.Ignored("no message"))
	default:
		writeJSONResponse(w, http.StatusOK, models.Queued(res.QueueID))
	}
}

// requestURL rebuilds the URL the platform signed.
func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
