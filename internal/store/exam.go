package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/examd/internal/model"
)

// CreateExam inserts an exam and returns its ID.
func (s *Store) CreateExam(e model.Exam) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO exams (title, description, duration_minutes, created_at) VALUES (?, ?, ?, ?)`,
		e.Title, e.Description, e.DurationMinutes, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetExam returns an exam by ID. It returns sql.ErrNoRows if the exam does not exist.
func (s *Store) GetExam(id int64) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRow(
		`SELECT id, title, description, duration_minutes, created_at FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.Title, &e.Description, &e.DurationMinutes, &e.CreatedAt)
	return e, err
}

// ListExams returns all exams in creation order.
func (s *Store) ListExams() ([]model.Exam, error) {
	rows, err := s.db.Query(`SELECT id, title, description, duration_minutes, created_at FROM exams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.Description, &e.DurationMinutes, &e.CreatedAt); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// DeleteExam removes an exam together with its questions, options and sessions.
func (s *Store) DeleteExam(id int64) error {
	_, err := s.db.Exec(`DELETE FROM exams WHERE id = ?`, id)
	return err
}

// InsertQuestion stores a question and its options in one transaction.
// The question is appended after the exam's existing questions.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	ids, err := s.InsertQuestions([]model.Question{q})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertQuestions stores several questions and their options in one
// transaction: either all of them become visible or none does.
func (s *Store) InsertQuestions(questions []model.Question) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(questions))
	for _, q := range questions {
		id, err := insertQuestionTx(tx, q)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func insertQuestionTx(tx *sql.Tx, q model.Question) (int64, error) {
	var position int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(position), 0) + 1 FROM questions WHERE exam_id = ?`, q.ExamID,
	).Scan(&position); err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		`INSERT INTO questions (exam_id, position, text, type, correct_answer, points)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.ExamID, position, q.Text, q.Type, q.CorrectAnswer, q.Points,
	)
	if err != nil {
		return 0, fmt.Errorf("insert question: %w", err)
	}
	questionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, o := range q.Options {
		if _, err := tx.Exec(
			`INSERT INTO question_options (question_id, text, is_correct) VALUES (?, ?, ?)`,
			questionID, o.Text, o.IsCorrect,
		); err != nil {
			return 0, fmt.Errorf("insert option: %w", err)
		}
	}
	return questionID, nil
}

// ListQuestions returns an exam's questions in position order with their options.
func (s *Store) ListQuestions(examID int64) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, position, text, type, correct_answer, points
		 FROM questions WHERE exam_id = ? ORDER BY position`, examID,
	)
	if err != nil {
		return nil, err
	}
	var questions []model.Question
	index := make(map[int64]int)
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Position, &q.Text, &q.Type, &q.CorrectAnswer, &q.Points); err != nil {
			rows.Close()
			return nil, err
		}
		index[q.ID] = len(questions)
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	optRows, err := s.db.Query(
		`SELECT o.id, o.question_id, o.text, o.is_correct
		 FROM question_options o JOIN questions q ON q.id = o.question_id
		 WHERE q.exam_id = ? ORDER BY o.id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer optRows.Close()
	for optRows.Next() {
		var o model.Option
		if err := optRows.Scan(&o.ID, &o.QuestionID, &o.Text, &o.IsCorrect); err != nil {
			return nil, err
		}
		if i, ok := index[o.QuestionID]; ok {
			questions[i].Options = append(questions[i].Options, o)
		}
	}
	return questions, optRows.Err()
}

// QuestionCount returns the number of questions in an exam.
func (s *Store) QuestionCount(examID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions WHERE exam_id = ?`, examID).Scan(&count)
	return count, err
}
