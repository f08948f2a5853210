package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/examd/internal/i18n"
	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/service"
	"github.com/pavelanni/examd/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc   *service.Service
	store *store.Store
}

// New creates a new Handler.
func New(svc *service.Service, s *store.Store) *Handler {
	return &Handler{svc: svc, store: s}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Route("/exam", func(r chi.Router) {
			r.Get("/", h.handleListExams)
			r.Post("/{id}/start", h.handleStartExam)
			r.Post("/{id}/submit", h.handleSubmitExam)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/users", h.handleListUsers)
			r.Put("/users/{userID}/role", h.handleUpdateRole)
			r.Get("/exams", h.handleListExams)
			r.Post("/exams", h.handleCreateExam)
			r.Get("/exams/{examID}", h.handleExamDetails)
			r.Delete("/exams/{examID}", h.handleDeleteExam)
			r.Post("/exams/{examID}/questions", h.handleAddQuestion)
			r.Post("/exams/{examID}/import", h.handleImportQuestions)
			r.Get("/exams/{examID}/results", h.handleExamResults)
			r.Post("/sessions/{sessionID}/regrade", h.handleRegrade)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorResponse{Error: appI18n.T(r.Context(), msgID)})
}

// writeError maps service errors to HTTP statuses. Anything unexpected is
// logged and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *service.ValidationError
		se *service.ServiceError
	)
	switch {
	case errors.As(err, &ve):
		msg := appI18n.T(r.Context(), "ValidationFailed")
		if len(ve.Fields) == 0 {
			msg = ve.Message
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Fields: ve.Fields})
	case errors.Is(err, service.ErrAuth):
		writeMessage(w, r, http.StatusUnauthorized, "InvalidCredentials")
	case errors.Is(err, service.ErrForbidden):
		writeMessage(w, r, http.StatusForbidden, "Forbidden")
	case errors.Is(err, service.ErrNotFound):
		writeMessage(w, r, http.StatusNotFound, "NotFound")
	case errors.As(err, &se):
		slog.Error("external service failed", "op", se.Op, "error", se.Err)
		writeMessage(w, r, http.StatusBadGateway, "ServiceFailed")
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "InternalError")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		slog.Debug("invalid request body", "path", r.URL.Path, "error", err)
		writeMessage(w, r, http.StatusBadRequest, "InvalidJSON")
		return false
	}
	return true
}

// idParam parses a numeric URL parameter, answering 400 when it is malformed.
func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: appI18n.Td(r.Context(), "InvalidID", map[string]any{"Name": name}),
		})
		return 0, false
	}
	return id, true
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	u := model.UserFromContext(r.Context())
	if u == nil {
		writeMessage(w, r, http.StatusUnauthorized, "AuthRequired")
		return nil, false
	}
	return u, true
}
