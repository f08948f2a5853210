package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pavelanni/examd/internal/model"
)

const defaultPoints = 1

// ExamInput is the body of an exam creation request.
type ExamInput struct {
	Title           string `json:"title" validate:"required,max=200"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,gt=0,lte=10080"`
}

// OptionInput is one answer option of a multiple choice question.
type OptionInput struct {
	Text      string `json:"text" validate:"required"`
	IsCorrect bool   `json:"is_correct"`
}

// QuestionInput describes a question to add. With Generate set, only Topic,
// Type and Points are used and the question comes from the Generator.
type QuestionInput struct {
	Generate        bool               `json:"generate"`
	Topic           string             `json:"topic"`
	Text            string             `json:"text"`
	Type            model.QuestionType `json:"type" validate:"omitempty,oneof=multiple_choice essay"`
	Points          int                `json:"points" validate:"omitempty,gt=0"`
	ReferenceAnswer string             `json:"reference_answer"`
	CorrectAnswer   string             `json:"correct_answer"`
	Options         []OptionInput      `json:"options" validate:"dive"`
}

// CreateExam stores a new exam.
func (s *Service) CreateExam(_ context.Context, in ExamInput) (model.Exam, error) {
	in.Title = strings.TrimSpace(in.Title)
	if ve := checkStruct(in); ve != nil {
		return model.Exam{}, ve
	}
	e := model.Exam{
		Title:           in.Title,
		Description:     strings.TrimSpace(in.Description),
		DurationMinutes: in.DurationMinutes,
	}
	id, err := s.store.CreateExam(e)
	if err != nil {
		return model.Exam{}, fmt.Errorf("create exam: %w", err)
	}
	e.ID = id
	slog.Info("created exam", "id", id, "title", e.Title)
	return e, nil
}

// DeleteExam removes an exam with its questions, sessions and answers.
func (s *Service) DeleteExam(_ context.Context, examID int64) error {
	if _, err := s.getExam(examID); err != nil {
		return err
	}
	if err := s.store.DeleteExam(examID); err != nil {
		return fmt.Errorf("delete exam: %w", err)
	}
	slog.Info("deleted exam", "id", examID)
	return nil
}

// ListExams returns every exam.
func (s *Service) ListExams(_ context.Context) ([]model.Exam, error) {
	exams, err := s.store.ListExams()
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	return exams, nil
}

// GetExamDetails returns an exam with its ordered questions.
func (s *Service) GetExamDetails(_ context.Context, examID int64) (model.ExamDetail, error) {
	exam, err := s.getExam(examID)
	if err != nil {
		return model.ExamDetail{}, err
	}
	questions, err := s.store.ListQuestions(examID)
	if err != nil {
		return model.ExamDetail{}, fmt.Errorf("list questions: %w", err)
	}
	for i := range questions {
		if questions[i].Type != model.QuestionMultipleChoice {
			questions[i].Options = nil
		}
	}
	if questions == nil {
		questions = []model.Question{}
	}
	return model.ExamDetail{Exam: exam, Questions: questions}, nil
}

func (s *Service) getExam(examID int64) (model.Exam, error) {
	exam, err := s.store.GetExam(examID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Exam{}, notFound("exam", examID)
	}
	if err != nil {
		return model.Exam{}, fmt.Errorf("get exam: %w", err)
	}
	return exam, nil
}

// AddQuestion adds a manually written or generated question to an exam.
// Generation happens before anything is written; the question and its
// options are stored together or not at all.
func (s *Service) AddQuestion(ctx context.Context, examID int64, in QuestionInput) (model.Question, error) {
	if _, err := s.getExam(examID); err != nil {
		return model.Question{}, err
	}

	var (
		q   model.Question
		err error
	)
	if in.Generate {
		q, err = s.generateQuestion(ctx, in)
	} else {
		q, err = buildQuestion(in, "")
	}
	if err != nil {
		return model.Question{}, err
	}
	q.ExamID = examID

	q.ID, err = s.store.InsertQuestion(q)
	if err != nil {
		return model.Question{}, fmt.Errorf("insert question: %w", err)
	}
	slog.Info("added question", "exam_id", examID, "question_id", q.ID, "type", q.Type, "generated", in.Generate)
	return q, nil
}

func (s *Service) generateQuestion(ctx context.Context, in QuestionInput) (model.Question, error) {
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return model.Question{}, invalid("topic", "is required")
	}
	qtype := in.Type
	if qtype == "" {
		qtype = model.QuestionMultipleChoice
	}
	if !qtype.Valid() {
		return model.Question{}, invalid("type", "must be one of: multiple_choice, essay")
	}
	if in.Points < 0 {
		return model.Question{}, invalid("points", "must be greater than 0")
	}
	if s.generator == nil {
		return model.Question{}, &ServiceError{Op: "generate question", Err: errors.New("no generator configured")}
	}

	callCtx, cancel := s.llmContext(ctx)
	defer cancel()
	gen, err := s.generator.GenerateQuestion(callCtx, topic, qtype)
	if err != nil {
		slog.Error("question generation failed", "topic", topic, "type", qtype, "error", err)
		return model.Question{}, &ServiceError{Op: "generate question", Err: err}
	}

	// The generator's first option is the correct one.
	gin := QuestionInput{
		Text:            gen.Text,
		Type:            qtype,
		Points:          in.Points,
		ReferenceAnswer: gen.ReferenceAnswer,
	}
	for i, o := range gen.Options {
		gin.Options = append(gin.Options, OptionInput{Text: o, IsCorrect: i == 0})
	}
	q, err := buildQuestion(gin, "")
	if err != nil {
		return model.Question{}, &ServiceError{Op: "generate question", Err: fmt.Errorf("unusable question: %w", err)}
	}
	return q, nil
}

// buildQuestion validates a manual question. prefix is prepended to field
// names when the question is part of a larger input.
func buildQuestion(in QuestionInput, prefix string) (model.Question, error) {
	in.Text = strings.TrimSpace(in.Text)
	if in.Type == "" && len(in.Options) > 0 {
		in.Type = model.QuestionMultipleChoice
	}

	ve := &ValidationError{Message: "invalid question"}
	if sve := checkStruct(in); sve != nil {
		for k, v := range sve.Fields {
			ve.add(prefix+k, v)
		}
	}
	if in.Text == "" {
		ve.add(prefix+"text", "is required")
	}
	if in.Type == "" {
		ve.add(prefix+"type", "is required")
	}
	points := in.Points
	if points == 0 {
		points = defaultPoints
	}

	q := model.Question{
		Text:   in.Text,
		Type:   in.Type,
		Points: points,
	}
	switch in.Type {
	case model.QuestionMultipleChoice:
		if len(in.Options) < 2 {
			ve.add(prefix+"options", "multiple choice questions need at least 2 options")
		}
		correct := 0
		seen := make(map[string]bool)
		for i, o := range in.Options {
			text := strings.TrimSpace(o.Text)
			if text == "" {
				ve.add(prefix+"options["+strconv.Itoa(i)+"].text", "is required")
			}
			if seen[text] && text != "" {
				ve.add(prefix+"options["+strconv.Itoa(i)+"].text", "duplicates another option")
			}
			seen[text] = true
			if o.IsCorrect {
				correct++
				q.CorrectAnswer = text
			}
			q.Options = append(q.Options, model.Option{Text: text, IsCorrect: o.IsCorrect})
		}
		if len(in.Options) >= 2 && correct != 1 {
			ve.add(prefix+"options", fmt.Sprintf("exactly one option must be marked correct, got %d", correct))
		}
	case model.QuestionEssay:
		ref := strings.TrimSpace(in.ReferenceAnswer)
		if ref == "" {
			ref = strings.TrimSpace(in.CorrectAnswer)
		}
		if ref == "" {
			ve.add(prefix+"reference_answer", "is required for essay questions")
		}
		q.CorrectAnswer = ref
	}

	if err := ve.orNil(); err != nil {
		return model.Question{}, err
	}
	return q, nil
}
