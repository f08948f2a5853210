package handler

import (
	"fmt"
	"net/http"

	appI18n "github.com/pavelanni/examd/internal/i18n"
	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/service"
)

type startResponse struct {
	Message   string            `json:"message"`
	SessionID int64             `json:"session_id"`
	Session   model.ExamSession `json:"session"`
}

type submitResponse struct {
	Message string `json:"message"`
	service.SubmitResult
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.svc.ListExams(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exams": orEmpty(exams)})
}

func (h *Handler) handleStartExam(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	examID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	sess, created, err := h.svc.StartExam(r.Context(), examID, user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, msgID := http.StatusCreated, "SessionStarted"
	if !created {
		status, msgID = http.StatusOK, "SessionResumed"
	}
	writeJSON(w, status, startResponse{
		Message:   appI18n.T(r.Context(), msgID),
		SessionID: sess.ID,
		Session:   sess,
	})
}

func (h *Handler) handleSubmitExam(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	sessionID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Answers []service.AnswerInput `json:"answers"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	res, err := h.svc.SubmitExam(r.Context(), sessionID, user.ID, body.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := appI18n.Td(r.Context(), "ExamSubmitted", map[string]any{"Score": fmt.Sprintf("%g", res.Score)})
	if res.Ungraded > 0 {
		msg += " " + appI18n.Tp(r.Context(), "AnswersUngraded", res.Ungraded)
	}
	writeJSON(w, http.StatusOK, submitResponse{Message: msg, SubmitResult: res})
}
