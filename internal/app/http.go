package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/auth"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/resolve"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/submit"
)

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	metrics     http.Handler
}

// NewHTTPServer builds the API transport. corsOrigin is a comma separated
// list; metricsHandler, when set, is served at /metrics.
func NewHTTPServer(service *Service, corsOrigin string, metricsHandler http.Handler) *HTTPServer {
	origins := []string{}
	for _, origin := range strings.Split(corsOrigin, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return &HTTPServer{service: service, corsOrigins: origins, metrics: metricsHandler}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(s.requestLogging)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(noStore)
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Use(s.withSession)

			r.Post("/session/anonymous", s.handleAnonymousSession)
			r.Get("/session", s.handleSession)
			r.Post("/session/logout", s.handleLogout)
			r.Post("/auth/signup", s.handleSignUp)
			r.Post("/auth/signin", s.handleSignIn)

			r.Post("/upload-context", s.handleUploadContext)
			r.Post("/blobs", s.handlePresign)

			r.Route("/profiles/{provider}", func(r chi.Router) {
				r.Post("/", s.handleCommit(resolve.OperationCreate))
				r.Put("/{accountID}", s.handleCommit(resolve.OperationUpdate))
				r.Post("/{accountID}/merge", s.handleCommit(resolve.OperationMerge))
				r.Get("/{accountID}", s.handleGetProfile)
				r.Delete("/{accountID}", s.handleDeleteProfile)
			})
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

func (s *HTTPServer) handleAnonymousSession(w http.ResponseWriter, r *http.Request) {
	if current := sessionFrom(r.Context()); current.UserID != "" {
		writeSession(w, http.StatusOK, current)
		return
	}
	created, err := s.service.CreateAnonymousSession(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeSession(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	current := sessionFrom(r.Context())
	if current.UserID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        current.UserID,
		"anonymous":     current.Anonymous,
		"expiresAt":     current.ExpiresAt,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r.Context())); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.SignUp(r.Context(), body.Email, body.Password, sessionFrom(r.Context()))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeSession(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeSession(w, http.StatusOK, created)
}

func (s *HTTPServer) handleUploadContext(w http.ResponseWriter, r *http.Request) {
	var body resolve.Request
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.AccountID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "accountId is required", nil)
		return
	}
	uctx, err := s.service.UploadContext(r.Context(), body, sessionFrom(r.Context()))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uctx)
}

func (s *HTTPServer) handlePresign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	presigned, err := s.service.PresignUpload(r.Context(), sessionFrom(r.Context()), body.Key)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presigned)
}

func (s *HTTPServer) handleCommit(op resolve.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, ok := providerParam(w, r)
		if !ok {
			return
		}
		var body submit.CommitRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Provider != "" && body.Provider != provider {
			writeError(w, http.StatusUnprocessableEntity, "PROVIDER_MISMATCH", "provider does not match the path", nil)
			return
		}
		body.Provider = provider
		if accountID := chi.URLParam(r, "accountID"); accountID != "" {
			if body.AccountID != "" && body.AccountID != accountID {
				writeError(w, http.StatusUnprocessableEntity, "ACCOUNT_MISMATCH", "accountId does not match the path", nil)
				return
			}
			body.AccountID = accountID
		}

		result, err := s.service.Commit(r.Context(), op, sessionFrom(r.Context()), body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		status := http.StatusOK
		if op == resolve.OperationCreate || op == resolve.OperationMerge {
			status = http.StatusCreated
		}
		writeJSON(w, status, result)
	}
}

func (s *HTTPServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	view, err := s.service.GetProfile(r.Context(), sessionFrom(r.Context()), provider, chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteProfile(r.Context(), sessionFrom(r.Context()), provider, chi.URLParam(r, "accountID")); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func providerParam(w http.ResponseWriter, r *http.Request) (export.Provider, bool) {
	provider, err := export.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "Unknown provider", nil)
		return "", false
	}
	return provider, true
}

type sessionKey struct{}

// withSession resolves the bearer token when one is sent. Requests without a
// token continue with a zero Session; a bad token is rejected.
func (s *HTTPServer) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		current, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, current)))
	})
}

func sessionFrom(ctx context.Context) Session {
	current, _ := ctx.Value(sessionKey{}).(Session)
	return current
}

func (s *HTTPServer) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", chiMiddleware.GetReqID(r.Context()))

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = r.Method + " " + rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.service.metrics.IncRequestsTotal(endpoint, status)
		s.service.metrics.ObserveRequestDuration(endpoint, elapsed)

		s.service.logger.Info("request",
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
		)
	})
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeSession(w http.ResponseWriter, status int, current Session) {
	writeJSON(w, status, map[string]any{
		"token":     current.Token,
		"userId":    current.UserID,
		"anonymous": current.Anonymous,
		"expiresAt": current.ExpiresAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.logger.Error("request failed",
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
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
