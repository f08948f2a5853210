package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	return r == UserRoleStudent || r == UserRoleAdmin
}

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// QuestionType distinguishes how a question is answered and graded.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionEssay          QuestionType = "essay"
)

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	return t == QuestionMultipleChoice || t == QuestionEssay
}

// SessionStatus represents the status of an exam session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusTerminated SessionStatus = "terminated"
)

// Final reports whether no further transitions are allowed from s.
func (s SessionStatus) Final() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// GradingStatus records the outcome of grading one answer.
type GradingStatus string

const (
	GradingGraded   GradingStatus = "graded"
	GradingUngraded GradingStatus = "ungraded"
)

// Exam is a titled, timed set of questions.
type Exam struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	DurationMinutes int       `json:"duration_minutes"`
	CreatedAt       time.Time `json:"created_at"`
}

// Question represents an exam question. CorrectAnswer holds the correct
// option text for multiple choice and the reference answer for essays.
type Question struct {
	ID            int64        `json:"id"`
	ExamID        int64        `json:"exam_id"`
	Position      int          `json:"position"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Points        int          `json:"points"`
	Options       []Option     `json:"options,omitempty"`
}

// CorrectOption returns the option flagged correct, if any.
func (q Question) CorrectOption() (Option, bool) {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o, true
		}
	}
	return Option{}, false
}

// Option is one choice of a multiple choice question.
type Option struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"is_correct"`
}

// ExamSession represents one student's attempt at one exam.
type ExamSession struct {
	ID        int64         `json:"id"`
	ExamID    int64         `json:"exam_id"`
	StudentID int64         `json:"student_id"`
	Status    SessionStatus `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Score     *float64      `json:"score,omitempty"`
}

// Answer is a submitted answer to one question of a session.
type Answer struct {
	ID            int64         `json:"id"`
	SessionID     int64         `json:"session_id"`
	QuestionID    int64         `json:"question_id"`
	Text          string        `json:"answer_text"`
	Score         *float64      `json:"score"`
	Feedback      string        `json:"feedback,omitempty"`
	GradingStatus GradingStatus `json:"grading_status"`
	SubmittedAt   time.Time     `json:"submitted_at"`
}

// GeneratedQuestion is what the question generator returns. For multiple
// choice the first option is the correct one.
type GeneratedQuestion struct {
	Text            string       `json:"question_text"`
	Type            QuestionType `json:"question_type"`
	Options         []string     `json:"options,omitempty"`
	CorrectAnswer   string       `json:"correct_answer,omitempty"`
	ReferenceAnswer string       `json:"reference_answer,omitempty"`
}

// ExamDetail combines an exam with its ordered questions.
type ExamDetail struct {
	Exam
	Questions []Question `json:"questions"`
}

// StudentRef identifies a student in result listings.
type StudentRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}
