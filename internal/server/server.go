package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"imagemaster/internal/app"
	"imagemaster/internal/ratelimit"
	"imagemaster/internal/util"
	"imagemaster/pkg/domain"
)

// TokenVerifier resolves a bearer credential to its subject user ID.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier

	RedisAddr                  string
	RedisPassword              string
	GenerateRateLimitPerMinute int
}

// Server exposes the generation API and the gallery collaborator surface.
type Server struct {
	app             *app.App
	tokenVerifier   TokenVerifier
	generateLimiter *ratelimit.FixedWindowLimiter
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server requires token verifier")
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
	}
	if cfg.GenerateRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "imagemaster:ratelimit:generate",
			cfg.GenerateRateLimitPerMinute, time.Minute,
		)
		if err != nil {
			return nil, err
		}
		s.generateLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with ambient middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("imagemaster",
			util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/plans", s.handlePlans)
	s.mux.Handle("/api/images/generations", s.withUser(s.handleGenerate))
	s.mux.Handle("/api/images", s.withUser(s.handleImages))
	s.mux.Handle("/api/images/", s.withUser(s.handleImageByID))
	s.mux.Handle("/api/profile", s.withUser(s.handleProfile))
	s.mux.Handle("/api/usage", s.withUser(s.handleUsage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, mapAny{"plans": domain.Plans()})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "Invalid authentication")
			return
		}
		next(w, r, userID)
	})
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.generateLimiter != nil && !s.generateLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Prompt is required")
		return
	}
	result, err := s.app.GenerateImage(r.Context(), userID, req.Prompt)
	if err != nil {
		s.writeGenerateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeGenerateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrPromptRequired):
		writeError(w, http.StatusBadRequest, "Prompt is required")
	case errors.Is(err, app.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "Profile not found")
	case errors.Is(err, app.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "Insufficient credits")
	case errors.Is(err, app.ErrGenerationFailed):
		util.LoggerFromContext(r.Context()).Error("generation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Image generation failed")
	case errors.Is(err, app.ErrStorageFailed):
		util.LoggerFromContext(r.Context()).Error("storage failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to save image")
	default:
		util.LoggerFromContext(r.Context()).Error("generate request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	images, err := s.app.ListImages(userID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list images failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, mapAny{"images": images})
}

type imagePatchRequest struct {
	IsPublic   *bool `json:"isPublic"`
	IsFavorite *bool `json:"isFavorite"`
}

func (s *Server) handleImageByID(w http.ResponseWriter, r *http.Request, userID string) {
	imageID := strings.TrimPrefix(r.URL.Path, "/api/images/")
	if imageID == "" || strings.Contains(imageID, "/") {
		writeError(w, http.StatusNotFound, "Image not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req imagePatchRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		image, err := s.app.UpdateImageFlags(userID, imageID, req.IsPublic, req.IsFavorite)
		if err != nil {
			s.writeImageError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, image)
	case http.MethodDelete:
		if err := s.app.DeleteImage(r.Context(), userID, imageID); err != nil {
			s.writeImageError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) writeImageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrImageNotFound):
		writeError(w, http.StatusNotFound, "Image not found")
	case errors.Is(err, app.ErrImageForbidden):
		writeError(w, http.StatusForbidden, "Image forbidden")
	default:
		util.LoggerFromContext(r.Context()).Error("image request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	profile, err := s.app.GetProfile(userID)
	if err != nil {
		if errors.Is(err, app.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "Profile not found")
			return
		}
		util.LoggerFromContext(r.Context()).Error("profile request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries, err := s.app.ListUsage(userID, 100)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("usage request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, mapAny{"usage": entries})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type mapAny = map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
