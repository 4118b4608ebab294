package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/api/internal/auth"
	"parley/api/internal/entitlements"
	"parley/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

// Handler returns the full handler chain: request log middleware, then the
// gate, then dispatch.
func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.service.Gate(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	// Page routes come first so their HTML content type is not clobbered
	// by the JSON default.
	if r.Method == http.MethodGet && !strings.HasPrefix(r.URL.Path, "/api/") {
		if s.handlePage(w, r) {
			return
		}
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleAuthRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleAuthLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		if cookie, err := r.Cookie(s.service.CookieName()); err == nil && cookie.Value != "" {
			_ = s.service.RevokeSession(r.Context(), cookie.Value)
		}
		s.service.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/session" {
		session, err := s.service.SessionFromRequest(r.Context(), r)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"email":         session.Email,
			"userType":      session.UserType,
			"expiresAt":     session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/guest" {
		s.service.handleGuestBootstrap(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat" {
		s.handleChatPost(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/history" {
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.History(
			r.Context(),
			session,
			limit,
			strings.TrimSpace(r.URL.Query().Get("starting_after")),
			strings.TrimSpace(r.URL.Query().Get("ending_before")),
		)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/vote" {
		chatID := strings.TrimSpace(r.URL.Query().Get("chatId"))
		if chatID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chatId is required", nil)
			return
		}
		votes, err := s.service.ListVotes(r.Context(), session, chatID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"votes": votes})
		return
	}

	if r.Method == http.MethodPatch && r.URL.Path == "/api/vote" {
		var body struct {
			ChatID    string `json:"chatId"`
			MessageID string `json:"messageId"`
			Type      string `json:"type"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.ChatID == "" || body.MessageID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chatId and messageId are required", nil)
			return
		}
		if err := s.service.Vote(r.Context(), session, body.ChatID, body.MessageID, body.Type); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.URL.Path == "/api/document" {
		s.handleDocument(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		writeJSON(w, http.StatusOK, s.service.SearchHistory(r.Context(), session, q, filterType, limit, offset))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/files/upload" {
		s.handleFileUpload(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "chat" {
		s.handleChatByID(w, r, session, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "chat" && parts[3] == "visibility" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Visibility string `json:"visibility"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateChatVisibility(r.Context(), session, parts[2], body.Visibility); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "chat" && parts[3] == "export" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		result, err := s.service.ExportTranscript(r.Context(), session, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChatByID(w http.ResponseWriter, r *http.Request, session Session, chatID string) {
	if r.Method == http.MethodGet {
		payload, err := s.service.GetChat(r.Context(), session, chatID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.DeleteChat(r.Context(), session, chatID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// handleChatPost is the completion endpoint: it ensures the chat exists,
// persists the user message, streams the model reply as SSE, then persists
// the assistant message.
func (s *HTTPServer) handleChatPost(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ID      string `json:"id"`
		Message struct {
			ID          string          `json:"id"`
			Role        string          `json:"role"`
			Parts       json.RawMessage `json:"parts"`
			Attachments json.RawMessage `json:"attachments"`
		} `json:"message"`
		SelectedChatModel      string `json:"selectedChatModel"`
		SelectedVisibilityType string `json:"selectedVisibilityType"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.ID == "" || body.Message.ID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id and message.id are required", nil)
		return
	}
	messageText := TextFromParts(body.Message.Parts)
	if strings.TrimSpace(messageText) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message has no text", nil)
		return
	}

	model := body.SelectedChatModel
	if model == "" {
		model = s.service.cfg.ChatModel
	}
	if !entitlements.AllowsModel(session.UserType, model) {
		writeError(w, http.StatusForbidden, "MODEL_NOT_ALLOWED", "Model not available for this account", map[string]any{
			"model": model,
		})
		return
	}

	if err := s.service.CheckRateLimit(r.Context(), session); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	chat, err := s.service.EnsureChat(r.Context(), session, body.ID, messageText, body.SelectedVisibilityType)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	// A known message id means the user edited an earlier turn: rewind
	// the chat to that point before saving the new copy.
	if _, err := s.service.RewindForEdit(r.Context(), chat, body.Message.ID, messageText); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	userMessage := store.Message{
		ID:          body.Message.ID,
		ChatID:      chat.ID,
		Role:        "user",
		Parts:       body.Message.Parts,
		Attachments: body.Message.Attachments,
		CreatedAt:   time.Now(),
	}
	if err := s.service.SaveChatMessage(r.Context(), chat, userMessage); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	turns, err := s.service.ChatTurns(r.Context(), chat.ID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if s.service.completer == nil {
		writeError(w, http.StatusServiceUnavailable, "AI_UNAVAILABLE", "Completion service not configured", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	assistantID := newMessageID()
	writeEvent(map[string]any{"type": "start", "chatId": chat.ID, "messageId": assistantID})

	fullText, err := s.service.completer.StreamChat(r.Context(), model, turns, func(delta string) error {
		writeEvent(map[string]any{"type": "text-delta", "delta": delta})
		return nil
	})
	if err != nil {
		// Headers are gone; all we can do is signal the failure in-stream.
		log.Printf("chat %s completion failed: %v", chat.ID, err)
		writeEvent(map[string]any{"type": "error", "error": "completion failed"})
		return
	}

	assistantParts, _ := json.Marshal([]MessagePart{{Type: "text", Text: fullText}})
	assistantMessage := store.Message{
		ID:        assistantID,
		ChatID:    chat.ID,
		Role:      "assistant",
		Parts:     assistantParts,
		CreatedAt: time.Now(),
	}
	if err := s.service.SaveChatMessage(r.Context(), chat, assistantMessage); err != nil {
		log.Printf("chat %s: save assistant message failed: %v", chat.ID, err)
		writeEvent(map[string]any{"type": "error", "error": "could not persist reply"})
		return
	}

	writeEvent(map[string]any{"type": "finish", "messageId": assistantID})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session) {
	documentID := strings.TrimSpace(r.URL.Query().Get("id"))
	if documentID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id is required", nil)
		return
	}

	if r.Method == http.MethodGet {
		versions, err := s.service.GetDocumentVersions(r.Context(), session, documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": versions})
		return
	}

	if r.Method == http.MethodPost {
		var body struct {
			Title   string `json:"title"`
			Content string `json:"content"`
			Kind    string `json:"kind"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SaveDocument(r.Context(), session, store.Document{
			ID:      documentID,
			Title:   body.Title,
			Content: body.Content,
			Kind:    body.Kind,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		raw := strings.TrimSpace(r.URL.Query().Get("timestamp"))
		after, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "timestamp must be RFC 3339", nil)
			return
		}
		if err := s.service.DeleteDocumentVersionsAfter(r.Context(), session, documentID, after); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

const maxUploadBytes = 5 << 20

func (s *HTTPServer) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if s.service.files == nil {
		writeError(w, http.StatusServiceUnavailable, "UPLOADS_DISABLED", "Attachment storage not configured", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+4096)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not parse upload", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file field is required", nil)
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file exceeds 5MB limit", nil)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType != "image/jpeg" && contentType != "image/png" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "only JPEG and PNG uploads are accepted", nil)
		return
	}

	url, err := s.service.files.Upload(r.Context(), header.Filename, contentType, header.Size, file)
	if err != nil {
		log.Printf("upload %s failed: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Upload failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":         url,
		"name":        header.Filename,
		"contentType": contentType,
	})
}

func (s *HTTPServer) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.Register(r.Context(), body.Email, body.Password)
	if err != nil {
		if err.Error() == "email already registered" {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "REGISTER_FAILED", err.Error(), nil)
		return
	}

	s.service.setSessionCookie(w, session)
	writeJSON(w, http.StatusCreated, map[string]any{
		"userId":    session.UserID,
		"email":     session.Email,
		"userType":  session.UserType,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}

	s.service.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    session.UserID,
		"email":     session.Email,
		"userType":  session.UserType,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	session, err := s.service.SessionFromRequest(r.Context(), r)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
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

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func newMessageID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
