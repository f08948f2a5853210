package service

import (
	"context"
	"fmt"

	"github.com/pavelanni/examd/internal/model"
)

// GetExamResults returns one record per session of the exam, including
// sessions still in progress.
func (s *Service) GetExamResults(_ context.Context, examID int64) ([]model.SessionResult, error) {
	if _, err := s.getExam(examID); err != nil {
		return nil, err
	}
	results, err := s.store.ExamResults(examID)
	if err != nil {
		return nil, fmt.Errorf("exam results: %w", err)
	}
	return results, nil
}

// ExportExam bundles an exam's results with export metadata.
func (s *Service) ExportExam(ctx context.Context, examID int64, promptVariant string) (model.ExamExport, error) {
	exam, err := s.getExam(examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	results, err := s.GetExamResults(ctx, examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	numQuestions, err := s.store.QuestionCount(examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("count questions: %w", err)
	}
	return model.ExamExport{
		ExamID:        exam.ID,
		Title:         exam.Title,
		ExportedAt:    s.now().UTC(),
		PromptVariant: promptVariant,
		NumQuestions:  numQuestions,
		Results:       results,
	}, nil
}
