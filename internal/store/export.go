package store

import (
	"fmt"

	"github.com/pavelanni/examd/internal/model"
)

// ExamResults builds one result record per session of the exam.
func (s *Store) ExamResults(examID int64) ([]model.SessionResult, error) {
	sessions, err := s.ListSessionsForExam(examID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	students := make(map[int64]model.StudentRef)

	results := make([]model.SessionResult, 0, len(sessions))
	for _, sess := range sessions {
		ref, ok := students[sess.StudentID]
		if !ok {
			user, err := s.GetUserByID(sess.StudentID)
			if err != nil {
				return nil, fmt.Errorf("get user %d: %w", sess.StudentID, err)
			}
			ref = model.StudentRef{ID: sess.StudentID}
			if user != nil {
				ref.Username = user.Username
				ref.Email = user.Email
			}
			students[sess.StudentID] = ref
		}

		answers, err := s.GetAnswers(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get answers for session %d: %w", sess.ID, err)
		}
		answerResults := make([]model.AnswerResult, 0, len(answers))
		for _, a := range answers {
			answerResults = append(answerResults, model.AnswerResult{
				QuestionID:    a.QuestionID,
				AnswerText:    a.Text,
				Score:         a.Score,
				Feedback:      a.Feedback,
				GradingStatus: a.GradingStatus,
			})
		}

		results = append(results, model.SessionResult{
			SessionID: sess.ID,
			Student:   ref,
			StartTime: sess.StartTime,
			EndTime:   sess.EndTime,
			Score:     sess.Score,
			Status:    sess.Status,
			Answers:   answerResults,
		})
	}

	return results, nil
}
