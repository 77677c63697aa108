package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"appdeck/internal/deployment"
	"appdeck/internal/forge"
)

// multipartMemory is how much of a multipart form is kept in memory;
// the rest spills to temporary files.
const multipartMemory = 32 << 20

// handleHealth reports database reachability, queue counts and the number
// of live stream subscriptions.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "database unreachable"})
		return
	}

	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("Failed to count queue entries", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read queue"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"queue":         counts,
		"subscriptions": s.hub.Count(),
	})
}

// handleWebhook redeploys every application tracking the pushed
// repository and branch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebhookSecret == "" {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Webhook is not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxWebhookBytes)

	push, err := forge.ParsePush(r, s.opts.WebhookSecret)
	switch {
	case errors.Is(err, forge.ErrIgnoredEvent):
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring event"})
		return
	case errors.Is(err, forge.ErrInvalidSignature):
		s.logger.Warn("Rejected webhook", "ip", clientIP(r), "error", err)
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	case err != nil:
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ids, err := s.engine.RedeployPush(r.Context(), push)
	if err != nil {
		s.logger.Error("Failed to queue webhook redeploys", "repository", push.Repository, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to queue deployments"})
		return
	}

	s.logger.Info("Webhook push received",
		"repository", push.Repository,
		"branch", push.Branch,
		"pusher", push.Pusher,
		"queued", len(ids))

	if ids == nil {
		ids = []string{}
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"message":  "Deployments queued",
		"queueIds": ids,
	})
}

// handleUpload queues a file deployment from a multipart form. It accepts
// the same fields as deploy:file, with envVars as a JSON object and the
// archive in the "file" part.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Upload too large"})
			return
		}
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing file part"})
		return
	}
	defer file.Close()

	buf, err := io.ReadAll(file)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read upload"})
		return
	}

	req := &deployment.FileRequest{
		AppOptions: deployment.AppOptions{
			AppName:        r.FormValue("appName"),
			StartCommand:   r.FormValue("startCommand"),
			BuildCommand:   r.FormValue("buildCommand"),
			InstallCommand: r.FormValue("installCommand"),
			Runtime:        r.FormValue("runtime"),
		},
		FileBuffer: buf,
		FileName:   header.Filename,
	}
	if raw := r.FormValue("envVars"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.EnvVars); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "envVars must be a JSON object of strings"})
			return
		}
	}

	id, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		if deployment.IsValidation(err) {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("Failed to queue upload", "app", req.AppName, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to queue deployment"})
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{"queueId": id})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
