package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealdesk/gateway/internal/auth"
	"dealdesk/gateway/internal/crm"
	"dealdesk/gateway/internal/export"
	"dealdesk/gateway/internal/identity"
	"dealdesk/gateway/internal/search"
	"dealdesk/gateway/internal/state"
)

const (
	headerBrowserID = "X-Browser-ID"
	headerSessionID = "X-Session-ID"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// proxyRoute binds one gateway path to a backend action. Dashboard routes
// run through the state tree's flight slots; the rest pass straight through.
type proxyRoute struct {
	method    string
	action    string
	withBody  bool
	dashboard bool
}

var proxyRoutes = map[string]proxyRoute{
	"/api/deals":            {method: http.MethodGet, action: crm.ActionDeals, dashboard: true},
	"/api/deals/timeline":   {method: http.MethodGet, action: crm.ActionDealTimeline, dashboard: true},
	"/api/deals/risk-score": {method: http.MethodGet, action: crm.ActionDealRiskScore, dashboard: true},
	"/api/deals/concerns":   {method: http.MethodGet, action: crm.ActionDealConcerns, dashboard: true},
	"/api/company/overview": {method: http.MethodGet, action: crm.ActionCompanyOverview, dashboard: true},
	"/api/pipeline/summary": {method: http.MethodGet, action: crm.ActionPipelineSummary, dashboard: true},
	"/api/chat":             {method: http.MethodPost, action: crm.ActionChat, withBody: true},
	"/api/deals/insights":   {method: http.MethodPost, action: crm.ActionDealInsights, withBody: true},
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

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/callback" {
		var body struct {
			Email   string `json:"email"`
			Profile struct {
				Email string `json:"email"`
			} `json:"profile"`
			Redirect string `json:"redirect"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SignIn(r.Context(), body.Email, body.Profile.Email, body.Redirect)
		if err != nil {
			if errors.Is(err, identity.ErrNoEmail) || errors.Is(err, identity.ErrAccessDenied) {
				redirect := s.service.RejectionRedirect(err)
				w.Header().Set("Location", redirect)
				writeJSON(w, http.StatusSeeOther, map[string]any{"redirectTo": redirect})
				return
			}
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  result.Session.Token,
			"refreshToken": result.Session.RefreshToken,
			"email":        result.Session.Email,
			"expiresAt":    result.Session.ExpiresAt.Unix(),
			"redirectTo":   result.RedirectTo,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"email":         session.Email,
			"expiresAt":     session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  session.Token,
			"refreshToken": session.RefreshToken,
			"email":        session.Email,
			"expiresAt":    session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		s.service.Logout(r.Context(), session, strings.TrimSpace(body.RefreshToken))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	if route, ok := proxyRoutes[r.URL.Path]; ok && r.Method == route.method {
		s.handleProxy(w, r, route)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/deals/search" {
		browserID := strings.TrimSpace(r.Header.Get(headerBrowserID))
		if browserID == "" {
			writeError(w, http.StatusBadRequest, "MISSING_BROWSER_ID", "X-Browser-ID header is required", nil)
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, http.StatusBadRequest, "MISSING_PARAMETER", "q is required", nil)
			return
		}
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		stage := strings.TrimSpace(r.URL.Query().Get("stage"))
		payload := s.service.SearchDeals(r.Context(), browserID, search.Query{Text: q, Stage: stage, Limit: limit})
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/state" {
		s.handleState(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/pipeline/export" {
		s.handleExport(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProxy(w http.ResponseWriter, r *http.Request, route proxyRoute) {
	browserID := strings.TrimSpace(r.Header.Get(headerBrowserID))
	sessionID := strings.TrimSpace(r.Header.Get(headerSessionID))

	var body []byte
	if route.withBody && r.Body != nil {
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read request body", nil)
			return
		}
		body = data
	}

	var result ProxyResult
	if route.dashboard {
		result = s.service.FetchDashboard(r.Context(), route.action, browserID, sessionID, r.URL.Query())
	} else {
		result = s.service.Proxy(r.Context(), route.action, browserID, sessionID, r.URL.Query(), body)
	}

	if result.SessionID != "" {
		w.Header().Set(headerSessionID, result.SessionID)
	}
	writeJSON(w, result.Status, result.Envelope)
}

func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	browserID := strings.TrimSpace(r.Header.Get(headerBrowserID))
	if browserID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_BROWSER_ID", "X-Browser-ID header is required", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.StateTree(r.Context(), browserID))
	case http.MethodPost:
		var body struct {
			Path  string          `json:"path"`
			Value json.RawMessage `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		path := strings.TrimSpace(body.Path)
		if path == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path is required", nil)
			return
		}
		if err := s.service.StateUpdate(r.Context(), browserID, path, body.Value); err != nil {
			var unknownPath *state.UnknownPathError
			if errors.As(err, &unknownPath) {
				writeError(w, http.StatusBadRequest, "UNKNOWN_STATE_PATH", err.Error(), map[string]any{"paths": state.Paths()})
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.StateTree(r.Context(), browserID))
	case http.MethodDelete:
		s.service.StateReset(r.Context(), browserID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	browserID := strings.TrimSpace(r.Header.Get(headerBrowserID))
	if browserID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_BROWSER_ID", "X-Browser-ID header is required", nil)
		return
	}
	sessionID := strings.TrimSpace(r.Header.Get(headerSessionID))

	var body struct {
		Format    string `json:"format"` // "pdf" or "csv"
		Timeframe string `json:"timeframe"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	format := export.Format(body.Format)
	if format != export.FormatPDF && format != export.FormatCSV {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf' or 'csv'", nil)
		return
	}

	result, err := s.service.ExportReport(r.Context(), browserID, sessionID, export.Request{
		Format:    format,
		Timeframe: strings.TrimSpace(body.Timeframe),
	})
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this host", nil)
			return
		}
		if errors.Is(err, export.ErrReportUnavailable) {
			writeError(w, http.StatusBadGateway, "REPORT_UNAVAILABLE", err.Error(), nil)
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.Write(result.Data)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Browser-ID, X-Session-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Session-ID, X-Request-ID")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
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
