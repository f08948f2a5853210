package model

import "time"

// SessionResult is one session's outcome as shown to admins and exported.
type SessionResult struct {
	SessionID int64          `json:"session_id" yaml:"session_id"`
	Student   StudentRef     `json:"student" yaml:"student"`
	StartTime time.Time      `json:"start_time" yaml:"start_time"`
	EndTime   *time.Time     `json:"end_time" yaml:"end_time"`
	Score     *float64       `json:"score" yaml:"score"`
	Status    SessionStatus  `json:"status" yaml:"status"`
	Answers   []AnswerResult `json:"answers" yaml:"answers"`
}

// AnswerResult holds per-answer grading data.
type AnswerResult struct {
	QuestionID    int64         `json:"question_id" yaml:"question_id"`
	AnswerText    string        `json:"answer_text" yaml:"answer_text"`
	Score         *float64      `json:"score" yaml:"score"`
	Feedback      string        `json:"feedback" yaml:"feedback"`
	GradingStatus GradingStatus `json:"grading_status" yaml:"grading_status"`
}

// ExamExport is the top-level structure written by the export command.
type ExamExport struct {
	ExamID        int64           `json:"exam_id" yaml:"exam_id"`
	Title         string          `json:"title" yaml:"title"`
	ExportedAt    time.Time       `json:"exported_at" yaml:"exported_at"`
	PromptVariant string          `json:"prompt_variant" yaml:"prompt_variant"`
	NumQuestions  int             `json:"num_questions" yaml:"num_questions"`
	Results       []SessionResult `json:"results" yaml:"results"`
}
