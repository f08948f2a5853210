// Package service implements exam administration: accounts, exam authoring,
// exam sessions and results. Grading and question generation are delegated
// to injected Grader and Generator implementations.
package service

import (
	"context"
	"time"

	"github.com/pavelanni/examd/internal/auth"
	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/store"
)

const defaultLLMTimeout = 60 * time.Second

// Grader scores an essay answer against a reference answer on a 1-5 scale.
type Grader interface {
	GradeEssay(ctx context.Context, answer, reference string) (int, string, error)
}

// Generator synthesizes a new question about a topic.
type Generator interface {
	GenerateQuestion(ctx context.Context, topic string, qtype model.QuestionType) (model.GeneratedQuestion, error)
}

// Config holds service policy settings.
type Config struct {
	// LLMTimeout bounds every single grading or generation call.
	LLMTimeout time.Duration
	// AllowAdminSignup lets self-registration create admin accounts.
	AllowAdminSignup bool
	// Grace is added to an exam's duration before submissions are refused.
	Grace time.Duration
}

// Service holds the dependencies shared by all operations.
type Service struct {
	store     *store.Store
	grader    Grader
	generator Generator
	tokens    *auth.Issuer
	cfg       Config
	now       func() time.Time
}

// New creates a Service.
func New(s *store.Store, grader Grader, generator Generator, tokens *auth.Issuer, cfg Config) *Service {
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	return &Service{
		store:     s,
		grader:    grader,
		generator: generator,
		tokens:    tokens,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Service) llmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.LLMTimeout)
}
