package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/store"
)

const (
	minEssayScore = 1
	maxEssayScore = 5
)

// AnswerInput is one submitted answer. Multiple choice answers name the
// chosen option by OptionID or by its text.
type AnswerInput struct {
	QuestionID int64  `json:"question_id" validate:"required"`
	AnswerText string `json:"answer_text"`
	OptionID   int64  `json:"option_id"`
}

// SubmitResult summarizes a graded session. Ungraded counts answers whose
// grading failed; they carry no score and count nothing towards Score.
type SubmitResult struct {
	SessionID int64               `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
	Score     float64             `json:"score"`
	EndTime   *time.Time          `json:"end_time,omitempty"`
	Graded    int                 `json:"graded"`
	Ungraded  int                 `json:"ungraded"`
	Answers   []model.Answer      `json:"answers"`
}

// StartExam opens a session for the student, or returns the student's
// session for that exam that is still in progress. The boolean reports
// whether a new session was created.
func (s *Service) StartExam(_ context.Context, examID, studentID int64) (model.ExamSession, bool, error) {
	if _, err := s.getExam(examID); err != nil {
		return model.ExamSession{}, false, err
	}
	sess, created, err := s.store.StartSession(examID, studentID)
	if err != nil {
		return model.ExamSession{}, false, fmt.Errorf("start session: %w", err)
	}
	if created {
		slog.Info("started exam session", "session_id", sess.ID, "exam_id", examID, "student_id", studentID)
	} else {
		slog.Info("resumed exam session", "session_id", sess.ID, "exam_id", examID, "student_id", studentID)
	}
	return sess, created, nil
}

// SubmitExam grades the answers and closes the session. Every grading call
// is made before the single write that stores the answers and completes the
// session. A failed essay grading marks only that answer ungraded.
func (s *Service) SubmitExam(ctx context.Context, sessionID, studentID int64, answers []AnswerInput) (SubmitResult, error) {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sess.StudentID != studentID {
		return SubmitResult{}, fmt.Errorf("session %d belongs to another student: %w", sessionID, ErrForbidden)
	}
	if sess.Status.Final() {
		return SubmitResult{}, invalid("session", "session is "+string(sess.Status))
	}

	exam, err := s.getExam(sess.ExamID)
	if err != nil {
		return SubmitResult{}, err
	}
	deadline := sess.StartTime.Add(time.Duration(exam.DurationMinutes)*time.Minute + s.cfg.Grace)
	if s.now().After(deadline) {
		return SubmitResult{}, invalid("session", "time limit exceeded")
	}

	questions, err := s.store.ListQuestions(sess.ExamID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	ve := &ValidationError{Message: "invalid answers"}
	seen := make(map[int64]bool)
	for i, a := range answers {
		field := "answers[" + strconv.Itoa(i) + "]"
		if sve := checkStruct(a); sve != nil {
			for k, v := range sve.Fields {
				ve.add(field+"."+k, v)
			}
			continue
		}
		q, ok := byID[a.QuestionID]
		if !ok {
			ve.add(field+".question_id", fmt.Sprintf("question %d is not part of this exam", a.QuestionID))
			continue
		}
		if seen[a.QuestionID] {
			ve.add(field+".question_id", fmt.Sprintf("question %d is answered more than once", a.QuestionID))
		}
		seen[a.QuestionID] = true
		if a.OptionID != 0 && !hasOption(q, a.OptionID) {
			ve.add(field+".option_id", fmt.Sprintf("option %d does not belong to question %d", a.OptionID, q.ID))
		}
	}
	if err := ve.orNil(); err != nil {
		return SubmitResult{}, err
	}

	graded := make([]model.Answer, 0, len(answers))
	for _, a := range answers {
		graded = append(graded, s.gradeAnswer(ctx, byID[a.QuestionID], a))
	}
	result := summarize(sessionID, graded)

	end, err := s.store.CompleteSession(sessionID, graded, result.Score)
	switch {
	case errors.Is(err, store.ErrSessionClosed):
		return SubmitResult{}, s.closedSessionError(sessionID)
	case errors.Is(err, store.ErrDuplicate):
		return SubmitResult{}, invalid("answers", "a question is answered more than once")
	case err != nil:
		return SubmitResult{}, fmt.Errorf("complete session: %w", err)
	}

	for i := range graded {
		graded[i].SessionID = sessionID
		graded[i].SubmittedAt = end
	}
	result.Status = model.StatusCompleted
	result.EndTime = &end
	slog.Info("submitted exam session",
		"session_id", sessionID,
		"score", result.Score,
		"graded", result.Graded,
		"ungraded", result.Ungraded,
	)
	return result, nil
}

// RegradeSession retries grading of the ungraded essay answers of a
// completed session and updates its score.
func (s *Service) RegradeSession(ctx context.Context, sessionID int64) (SubmitResult, error) {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sess.Status != model.StatusCompleted {
		return SubmitResult{}, invalid("session", "only completed sessions can be regraded")
	}

	questions, err := s.store.ListQuestions(sess.ExamID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	answers, err := s.store.GetAnswers(sessionID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("get answers: %w", err)
	}

	var updated []model.Answer
	for i, a := range answers {
		q, ok := byID[a.QuestionID]
		if a.GradingStatus != model.GradingUngraded || !ok || q.Type != model.QuestionEssay {
			continue
		}
		regraded := s.gradeEssay(ctx, q, a.Text)
		regraded.ID = a.ID
		answers[i].Score = regraded.Score
		answers[i].Feedback = regraded.Feedback
		answers[i].GradingStatus = regraded.GradingStatus
		if regraded.GradingStatus == model.GradingGraded {
			updated = append(updated, regraded)
		}
	}

	if len(updated) > 0 {
		if _, err := s.store.UpdateAnswerGrades(sessionID, updated); err != nil {
			return SubmitResult{}, fmt.Errorf("update grades: %w", err)
		}
	}

	result := summarize(sessionID, answers)
	result.Status = sess.Status
	result.EndTime = sess.EndTime
	slog.Info("regraded exam session", "session_id", sessionID, "regraded", len(updated), "ungraded", result.Ungraded)
	return result, nil
}

// closedSessionError explains why a session left in_progress while its
// answers were being graded.
func (s *Service) closedSessionError(sessionID int64) error {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.StatusTerminated {
		return invalid("session", "time limit exceeded")
	}
	return invalid("session", "session was already submitted")
}

func (s *Service) getSession(sessionID int64) (model.ExamSession, error) {
	sess, err := s.store.GetSession(sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExamSession{}, notFound("session", sessionID)
	}
	if err != nil {
		return model.ExamSession{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Service) gradeAnswer(ctx context.Context, q model.Question, in AnswerInput) model.Answer {
	if q.Type == model.QuestionEssay {
		return s.gradeEssay(ctx, q, in.AnswerText)
	}

	a := model.Answer{QuestionID: q.ID, Text: strings.TrimSpace(in.AnswerText), GradingStatus: model.GradingGraded}
	var chosen model.Option
	for _, o := range q.Options {
		if (in.OptionID != 0 && o.ID == in.OptionID) || (in.OptionID == 0 && a.Text != "" && o.Text == a.Text) {
			chosen = o
			break
		}
	}
	if chosen.ID != 0 {
		a.Text = chosen.Text
	}
	score := 0.0
	if correct, ok := q.CorrectOption(); ok && chosen.ID != 0 && chosen.ID == correct.ID {
		score = float64(q.Points)
	}
	a.Score = &score
	return a
}

func (s *Service) gradeEssay(ctx context.Context, q model.Question, text string) model.Answer {
	a := model.Answer{QuestionID: q.ID, Text: text}
	if s.grader == nil {
		return ungraded(a, errors.New("no grader configured"))
	}

	callCtx, cancel := s.llmContext(ctx)
	defer cancel()
	score, feedback, err := s.grader.GradeEssay(callCtx, text, q.CorrectAnswer)
	if err == nil && (score < minEssayScore || score > maxEssayScore) {
		err = fmt.Errorf("score %d outside %d-%d", score, minEssayScore, maxEssayScore)
	}
	if err != nil {
		slog.Warn("essay grading failed", "question_id", q.ID, "error", err)
		return ungraded(a, &ServiceError{Op: "grade essay", Err: err})
	}
	v := float64(score)
	a.Score = &v
	a.Feedback = feedback
	a.GradingStatus = model.GradingGraded
	return a
}

func ungraded(a model.Answer, err error) model.Answer {
	a.Score = nil
	a.GradingStatus = model.GradingUngraded
	a.Feedback = "Grading failed: " + err.Error()
	return a
}

func hasOption(q model.Question, optionID int64) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

func summarize(sessionID int64, answers []model.Answer) SubmitResult {
	r := SubmitResult{SessionID: sessionID, Answers: answers}
	for _, a := range answers {
		if a.GradingStatus == model.GradingGraded && a.Score != nil {
			r.Graded++
			r.Score += *a.Score
		} else {
			r.Ungraded++
		}
	}
	if r.Answers == nil {
		r.Answers = []model.Answer{}
	}
	return r
}
