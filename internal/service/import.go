package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/pavelanni/examd/internal/model"
)

// ImportResult reports the outcome of a questions file import.
type ImportResult struct {
	Imported int  `json:"imported"`
	Skipped  bool `json:"skipped"`
}

// ImportQuestions adds the questions of a JSON file (an array of manual
// QuestionInput objects) to an exam. A file whose content was already
// imported into the exam under the same name is skipped. The whole file is
// validated before anything is written and stored in one transaction.
func (s *Service) ImportQuestions(_ context.Context, examID int64, name string, data []byte) (ImportResult, error) {
	if _, err := s.getExam(examID); err != nil {
		return ImportResult{}, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	stored, err := s.store.GetImportedFileHash(examID, name)
	if err != nil {
		return ImportResult{}, fmt.Errorf("check import status: %w", err)
	}
	if stored == hash {
		slog.Info("questions file unchanged, skipping", "exam_id", examID, "name", name)
		return ImportResult{Skipped: true}, nil
	}

	var inputs []QuestionInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return ImportResult{}, invalid("file", "invalid JSON: "+err.Error())
	}
	if len(inputs) == 0 {
		return ImportResult{}, invalid("file", "contains no questions")
	}

	ve := &ValidationError{Message: "invalid questions file"}
	questions := make([]model.Question, 0, len(inputs))
	for i, in := range inputs {
		q, err := buildQuestion(in, "["+strconv.Itoa(i)+"].")
		if err != nil {
			if qve, ok := err.(*ValidationError); ok {
				for k, v := range qve.Fields {
					ve.add(k, v)
				}
				continue
			}
			return ImportResult{}, err
		}
		q.ExamID = examID
		questions = append(questions, q)
	}
	if err := ve.orNil(); err != nil {
		return ImportResult{}, err
	}

	if _, err := s.store.InsertQuestions(questions); err != nil {
		return ImportResult{}, fmt.Errorf("insert questions: %w", err)
	}
	if err := s.store.SetImportedFileHash(examID, name, hash); err != nil {
		slog.Error("failed to record import", "exam_id", examID, "name", name, "error", err)
	}
	slog.Info("imported questions", "exam_id", examID, "name", name, "count", len(questions))
	return ImportResult{Imported: len(questions)}, nil
}
