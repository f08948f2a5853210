package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/examd/internal/model"
)

const sessionColumns = `id, exam_id, student_id, status, start_time, end_time, score`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.ExamSession, error) {
	var sess model.ExamSession
	err := row.Scan(&sess.ID, &sess.ExamID, &sess.StudentID, &sess.Status, &sess.StartTime, &sess.EndTime, &sess.Score)
	return sess, err
}

// StartSession returns the student's in-progress session for the exam, or
// creates one. The boolean reports whether a new session was created.
func (s *Store) StartSession(examID, studentID int64) (model.ExamSession, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.ExamSession{}, false, err
	}
	defer tx.Rollback()

	existing, err := scanSession(tx.QueryRow(
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE exam_id = ? AND student_id = ? AND status = 'in_progress'
		 ORDER BY id DESC LIMIT 1`, examID, studentID,
	))
	switch {
	case err == nil:
		return existing, false, nil
	case err != sql.ErrNoRows:
		return model.ExamSession{}, false, err
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO exam_sessions (exam_id, student_id, status, start_time) VALUES (?, ?, 'in_progress', ?)`,
		examID, studentID, now,
	)
	if err != nil {
		return model.ExamSession{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ExamSession{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.ExamSession{}, false, err
	}
	return model.ExamSession{
		ID:        id,
		ExamID:    examID,
		StudentID: studentID,
		Status:    model.StatusInProgress,
		StartTime: now,
	}, true, nil
}

// GetSession returns a session by ID. It returns sql.ErrNoRows if the session does not exist.
func (s *Store) GetSession(id int64) (model.ExamSession, error) {
	return scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = ?`, id))
}

// ListSessionsForExam returns all sessions of an exam, oldest first.
func (s *Store) ListSessionsForExam(examID int64) ([]model.ExamSession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM exam_sessions WHERE exam_id = ? ORDER BY id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.ExamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CompleteSession stores the graded answers and closes the session in one
// transaction. It returns ErrSessionClosed if the session already left
// in_progress, and ErrDuplicate if an answer repeats a question.
func (s *Store) CompleteSession(sessionID int64, answers []model.Answer, score float64) (time.Time, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE exam_sessions SET status = 'completed', end_time = ?, score = ?
		 WHERE id = ? AND status = 'in_progress'`,
		now, score, sessionID,
	)
	if err != nil {
		return time.Time{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, ErrSessionClosed
	}

	for _, a := range answers {
		if _, err := tx.Exec(
			`INSERT INTO answers (session_id, question_id, answer_text, score, feedback, grading_status, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, a.QuestionID, a.Text, a.Score, a.Feedback, a.GradingStatus, now,
		); err != nil {
			if isUniqueViolation(err) {
				return time.Time{}, fmt.Errorf("answer for question %d: %w", a.QuestionID, ErrDuplicate)
			}
			return time.Time{}, fmt.Errorf("insert answer: %w", err)
		}
	}

	return now, tx.Commit()
}

// GetAnswers returns a session's answers in question order.
func (s *Store) GetAnswers(sessionID int64) ([]model.Answer, error) {
	rows, err := s.db.Query(
		`SELECT a.id, a.session_id, a.question_id, a.answer_text, a.score, a.feedback, a.grading_status, a.submitted_at
		 FROM answers a JOIN questions q ON q.id = a.question_id
		 WHERE a.session_id = ? ORDER BY q.position`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.SessionID, &a.QuestionID, &a.Text, &a.Score, &a.Feedback, &a.GradingStatus, &a.SubmittedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// UpdateAnswerGrades rewrites the grading fields of the given answers and
// recomputes the session score from all of its graded answers.
func (s *Store) UpdateAnswerGrades(sessionID int64, graded []model.Answer) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, a := range graded {
		if _, err := tx.Exec(
			`UPDATE answers SET score = ?, feedback = ?, grading_status = ? WHERE id = ? AND session_id = ?`,
			a.Score, a.Feedback, a.GradingStatus, a.ID, sessionID,
		); err != nil {
			return 0, fmt.Errorf("update answer %d: %w", a.ID, err)
		}
	}

	var total float64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(score), 0) FROM answers WHERE session_id = ? AND grading_status = 'graded'`, sessionID,
	).Scan(&total); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE exam_sessions SET score = ? WHERE id = ?`, total, sessionID); err != nil {
		return 0, err
	}
	return total, tx.Commit()
}

// TerminateOverdue marks in-progress sessions whose time limit plus grace has
// passed as terminated. It returns the IDs of the terminated sessions.
func (s *Store) TerminateOverdue(now time.Time, grace time.Duration) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT s.id, s.start_time, e.duration_minutes
		 FROM exam_sessions s JOIN exams e ON e.id = s.exam_id
		 WHERE s.status = 'in_progress'`,
	)
	if err != nil {
		return nil, err
	}
	var overdue []int64
	for rows.Next() {
		var (
			id       int64
			start    time.Time
			duration int
		)
		if err := rows.Scan(&id, &start, &duration); err != nil {
			rows.Close()
			return nil, err
		}
		deadline := start.Add(time.Duration(duration)*time.Minute + grace)
		if now.After(deadline) {
			overdue = append(overdue, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range overdue {
		if _, err := tx.Exec(
			`UPDATE exam_sessions SET status = 'terminated', end_time = ? WHERE id = ? AND status = 'in_progress'`,
			now.UTC(), id,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(overdue) > 0 {
		slog.Info("terminated overdue sessions", "count", len(overdue))
	}
	return overdue, nil
}
