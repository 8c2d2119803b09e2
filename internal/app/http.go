package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"promptdock/internal/auth"
	"promptdock/internal/prompt"
	"promptdock/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Ready(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	// The library works signed out; a token only selects the sync account.
	if token := bearerToken(r); token != "" {
		if _, err := s.service.Authenticate(r.Context(), token); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
	}

	if r.URL.Path == "/api/session" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"identity": s.service.Identity()})
		case http.MethodDelete:
			s.service.SignOut()
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.URL.Path == "/api/undo" {
		switch r.Method {
		case http.MethodGet:
			pending, ok := s.service.PendingUndo()
			if !ok {
				writeJSON(w, http.StatusOK, map[string]any{"pending": nil})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
		case http.MethodPost:
			writeJSON(w, http.StatusOK, map[string]any{"undone": s.service.Undo(r.Context())})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.URL.Path == "/api/sync" {
		s.handleSync(w, r)
		return
	}

	if r.URL.Path == "/api/backup" || r.URL.Path == "/api/backup/restore" {
		s.handleBackup(w, r)
		return
	}

	if r.URL.Path == "/api/prompts" {
		s.handlePromptCollection(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "prompts" {
		s.handlePrompt(w, r, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePromptCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		text := strings.TrimSpace(query.Get("q"))
		if text == "" && query.Get("limit") == "" {
			writeJSON(w, http.StatusOK, map[string]any{"prompts": s.service.ListPrompts(r.Context())})
			return
		}
		resp := s.service.SearchPrompts(r.Context(), search.Query{
			Text:   text,
			Limit:  queryInt(r, "limit", 0),
			Offset: queryInt(r, "offset", 0),
		})
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreatePrompt(r.Context(), body.Title)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handlePrompt(w http.ResponseWriter, r *http.Request, promptID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetPrompt(r.Context(), promptID)
			respond(w, http.StatusOK, view, err)
		case http.MethodPut:
			var data prompt.PromptData
			if err := decodeBody(r, &data); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			meta, err := s.service.SavePrompt(r.Context(), promptID, data)
			respond(w, http.StatusOK, map[string]any{"metadata": meta}, err)
		case http.MethodDelete:
			pending, err := s.service.DeletePrompt(r.Context(), promptID)
			respond(w, http.StatusOK, map[string]any{"undo": pending}, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 5 && parts[3] == "sections" && r.Method == http.MethodDelete {
		pending, err := s.service.DeleteSection(r.Context(), promptID, parts[4])
		respond(w, http.StatusOK, map[string]any{"undo": pending}, err)
		return
	}

	if len(parts) == 4 && parts[3] == "text" && r.Method == http.MethodGet {
		view, err := s.service.CopyText(r.Context(), promptID)
		respond(w, http.StatusOK, view, err)
		return
	}

	if len(parts) == 4 && parts[3] == "share" && r.Method == http.MethodPut {
		var body struct {
			Token    string `json:"token"`
			SharedBy string `json:"sharedBy"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		meta, err := s.service.ShareOptions(r.Context(), promptID, strings.TrimSpace(body.Token), body.SharedBy)
		respond(w, http.StatusOK, map[string]any{"metadata": meta}, err)
		return
	}

	if len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet {
		commits, err := s.service.History(promptID, queryInt(r, "limit", 50))
		respond(w, http.StatusOK, map[string]any{"history": commits}, err)
		return
	}

	if len(parts) == 5 && parts[3] == "history" && r.Method == http.MethodGet {
		data, err := s.service.Revision(promptID, parts[4])
		respond(w, http.StatusOK, map[string]any{"hash": parts[4], "data": data}, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status, err := s.service.SyncStatus()
		respond(w, http.StatusOK, map[string]any{"sync": status, "identity": s.service.Identity()}, err)
	case http.MethodPost:
		report, err := s.service.SyncNow(r.Context())
		respond(w, http.StatusOK, map[string]any{"report": report}, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/backup/restore" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		report, err := s.service.RestoreSnapshot(r.Context(), body.Name)
		respond(w, http.StatusOK, report, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := s.service.Snapshots(r.Context())
		respond(w, http.StatusOK, map[string]any{"snapshots": items}, err)
	case http.MethodPost:
		name, count, err := s.service.ExportSnapshot(r.Context())
		respond(w, http.StatusCreated, map[string]any{"name": name, "prompts": count}, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		code, errCode, message, details := mapError(err)
		writeError(w, code, errCode, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
