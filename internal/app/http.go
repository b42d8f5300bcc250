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

	"stencil/api/internal/identity"
	"stencil/api/internal/store"
)

type identityResolver interface {
	Resolve(ctx context.Context, username string) (store.User, error)
}

type HTTPServer struct {
	service        *Service
	resolver       identityResolver
	corsOrigin     string
	identityHeader string
}

func NewHTTPServer(service *Service, resolver identityResolver, corsOrigin, identityHeader string) *HTTPServer {
	return &HTTPServer{
		service:        service,
		resolver:       resolver,
		corsOrigin:     corsOrigin,
		identityHeader: identityHeader,
	}
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
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Reads that expose no per-user data stay open; everything else resolves
	// the proxy-asserted identity first.
	rest := parts[1:]
	switch rest[0] {
	case "user":
		if r.Method == http.MethodGet && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success":  true,
				"username": user.DisplayName,
				"userId":   user.ID,
			})
			return
		}

	case "user-templates":
		if r.Method == http.MethodGet && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			payload, err := s.service.UserTemplates(r.Context(), user)
			s.respond(w, payload, err)
			return
		}

	case "fetch-template":
		if r.Method == http.MethodGet && len(rest) == 1 {
			document, err := s.service.FetchTemplate(r.Context(), r.URL.Query().Get("link"))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "template": document})
			return
		}

	case "save":
		if r.Method == http.MethodPost && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body SaveInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.Save(r.Context(), user, body)
			s.respond(w, payload, err)
			return
		}

	case "categories":
		s.handleCategories(w, r, rest)
		return

	case "create-category":
		if r.Method == http.MethodPost && len(rest) == 1 {
			if _, ok := s.requireUser(w, r); !ok {
				return
			}
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateCategory(r.Context(), body.Name)
			s.respond(w, payload, err)
			return
		}

	case "rename-category":
		if r.Method == http.MethodPost && len(rest) == 1 {
			if _, ok := s.requireUser(w, r); !ok {
				return
			}
			var body struct {
				CategoryID int64  `json:"categoryId"`
				Name       string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.RenameCategory(r.Context(), body.CategoryID, body.Name)
			s.respond(w, payload, err)
			return
		}

	case "delete-category":
		if r.Method == http.MethodPost && len(rest) == 1 {
			if _, ok := s.requireUser(w, r); !ok {
				return
			}
			var body struct {
				CategoryID int64 `json:"categoryId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.DeleteCategory(r.Context(), body.CategoryID)
			s.respond(w, payload, err)
			return
		}

	case "rename-version":
		if r.Method == http.MethodPost && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body struct {
				VersionID int64  `json:"versionId"`
				FileName  string `json:"fileName"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.RenameVersion(r.Context(), user, body.VersionID, body.FileName)
			s.respond(w, payload, err)
			return
		}

	case "delete-version":
		if r.Method == http.MethodPost && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body struct {
				VersionID int64 `json:"versionId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.DeleteVersion(r.Context(), user, body.VersionID)
			s.respond(w, payload, err)
			return
		}

	case "rename-template":
		if r.Method == http.MethodPost && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body struct {
				TemplateID int64  `json:"templateId"`
				Name       string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.RenameTemplate(r.Context(), user, body.TemplateID, body.Name)
			s.respond(w, payload, err)
			return
		}

	case "delete-template":
		if r.Method == http.MethodPost && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			var body struct {
				TemplateID int64 `json:"templateId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.DeleteTemplate(r.Context(), user, body.TemplateID)
			s.respond(w, payload, err)
			return
		}

	case "search-templates":
		if r.Method == http.MethodGet && len(rest) == 1 {
			user, ok := s.requireUser(w, r)
			if !ok {
				return
			}
			query := r.URL.Query()
			limit, _ := strconv.Atoi(query.Get("limit"))
			offset, _ := strconv.Atoi(query.Get("offset"))
			writeJSON(w, http.StatusOK, s.service.SearchTemplates(user, query.Get("q"), limit, offset))
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method == http.MethodGet && len(rest) == 1 {
		payload, err := s.service.Categories(r.Context())
		s.respond(w, payload, err)
		return
	}

	if len(rest) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	categoryID, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "category id must be numeric", nil)
		return
	}

	switch {
	case rest[2] == "templates" && r.Method == http.MethodGet:
		payload, err := s.service.CategoryTemplates(r.Context(), categoryID)
		s.respond(w, payload, err)
		return

	case rest[2] == "available-templates" && r.Method == http.MethodGet:
		user, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		payload, err := s.service.AvailableTemplates(r.Context(), user, categoryID)
		s.respond(w, payload, err)
		return

	case rest[2] == "templates" && r.Method == http.MethodPost:
		user, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body struct {
			TemplateID int64 `json:"templateId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddTemplateToCategory(r.Context(), user, categoryID, body.TemplateID)
		s.respond(w, payload, err)
		return

	case rest[2] == "templates" && r.Method == http.MethodDelete:
		user, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var body struct {
			TemplateID int64 `json:"templateId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RemoveTemplateFromCategory(r.Context(), user, categoryID, body.TemplateID)
		s.respond(w, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"storage":  map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingBlob(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["storage"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// requireUser resolves the proxy-asserted username to a user row. A missing
// or blank header means the request never passed authentication.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	user, err := s.resolver.Resolve(r.Context(), r.Header.Get(s.identityHeader))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return store.User{}, false
	}
	return user, true
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
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
	if errors.Is(err, identity.ErrNoIdentity) {
		e := errUnauthorized()
		return e.Status, e.Code, e.Message, e.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
