package handler

import (
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	appI18n "github.com/pavelanni/examd/internal/i18n"
	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/service"
)

const maxUploadBytes = 10 << 20

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": orEmpty(users)})
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	var body struct {
		Role model.UserRole `json:"role"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	user, err := h.svc.UpdateUserRole(r.Context(), id, body.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": appI18n.Td(r.Context(), "RoleUpdated", map[string]any{"Username": user.Username, "Role": user.Role}),
		"user":    user,
	})
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var in service.ExamInput
	if !decodeJSON(w, r, &in) {
		return
	}
	exam, err := h.svc.CreateExam(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": appI18n.T(r.Context(), "ExamCreated"),
		"exam_id": exam.ID,
		"exam":    exam,
	})
}

func (h *Handler) handleExamDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	detail, err := h.svc.GetExamDetails(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	if err := h.svc.DeleteExam(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": appI18n.T(r.Context(), "ExamDeleted"),
		"exam_id": id,
	})
}

func (h *Handler) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	var in service.QuestionInput
	if !decodeJSON(w, r, &in) {
		return
	}
	q, err := h.svc.AddQuestion(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":     appI18n.T(r.Context(), "QuestionAdded"),
		"question_id": q.ID,
		"question":    q,
	})
}

// handleImportQuestions takes a multipart upload of a JSON questions file.
func (h *Handler) handleImportQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, &service.ValidationError{
			Message: "invalid upload",
			Fields:  map[string]string{"questions_file": "file missing or too large"},
		})
		return
	}

	file, header, err := r.FormFile("questions_file")
	if err != nil {
		writeError(w, r, &service.ValidationError{
			Message: "invalid upload",
			Fields:  map[string]string{"questions_file": "no file uploaded"},
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.ImportQuestions(r.Context(), id, filepath.Base(header.Filename), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("uploaded questions via admin", "exam_id", id, "filename", header.Filename, "count", res.Imported)

	msg := appI18n.Tp(r.Context(), "QuestionsImported", res.Imported)
	status := http.StatusCreated
	if res.Skipped {
		msg = appI18n.T(r.Context(), "ImportSkipped")
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"message":  msg,
		"imported": res.Imported,
		"skipped":  res.Skipped,
	})
}

func (h *Handler) handleExamResults(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	results, err := h.svc.GetExamResults(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exam_id": id,
		"results": orEmpty(results),
	})
}

func (h *Handler) handleRegrade(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "sessionID")
	if !ok {
		return
	}
	res, err := h.svc.RegradeSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
