package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/examd/internal/auth"
	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/store"
)

type fakeGrader struct {
	mu    sync.Mutex
	calls int
	grade func(ctx context.Context, answer, reference string) (int, string, error)
}

func (f *fakeGrader) GradeEssay(ctx context.Context, answer, reference string) (int, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.grade(ctx, answer, reference)
}

func constGrader(score int) *fakeGrader {
	return &fakeGrader{grade: func(context.Context, string, string) (int, string, error) {
		return score, "graded", nil
	}}
}

type fakeGenerator struct {
	q   model.GeneratedQuestion
	err error
}

func (f *fakeGenerator) GenerateQuestion(_ context.Context, _ string, qtype model.QuestionType) (model.GeneratedQuestion, error) {
	if f.err != nil {
		return model.GeneratedQuestion{}, f.err
	}
	q := f.q
	q.Type = qtype
	return q, nil
}

func newTestService(t *testing.T, g Grader, gen Generator, cfg Config) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	iss, err := auth.NewIssuer("test-secret", "examd", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return New(s, g, gen, iss, cfg), s
}

func register(t *testing.T, svc *Service, username string) model.User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "Abcd1234",
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return u
}

func createExam(t *testing.T, svc *Service) model.Exam {
	t.Helper()
	e, err := svc.CreateExam(context.Background(), ExamInput{Title: "Go basics", DurationMinutes: 30})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}
	return e
}

func addChoice(t *testing.T, svc *Service, examID int64, points int) model.Question {
	t.Helper()
	q, err := svc.AddQuestion(context.Background(), examID, QuestionInput{
		Text:   "2 + 2 = ?",
		Type:   model.QuestionMultipleChoice,
		Points: points,
		Options: []OptionInput{
			{Text: "3"},
			{Text: "4", IsCorrect: true},
			{Text: "5"},
		},
	})
	if err != nil {
		t.Fatalf("AddQuestion choice: %v", err)
	}
	return q
}

func addEssay(t *testing.T, svc *Service, examID int64, text string) model.Question {
	t.Helper()
	q, err := svc.AddQuestion(context.Background(), examID, QuestionInput{
		Text:            text,
		Type:            model.QuestionEssay,
		ReferenceAnswer: "reference for " + text,
	})
	if err != nil {
		t.Fatalf("AddQuestion essay: %v", err)
	}
	return q
}

func assertValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if field == "" {
		return
	}
	if _, ok := ve.Fields[field]; !ok {
		t.Errorf("expected field %q in %v", field, ve.Fields)
	}
}

func TestRegisterDuplicates(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	register(t, svc, "alice")

	_, err := svc.Register(ctx, RegisterInput{Username: "alice2", Email: "alice@example.com", Password: "Abcd1234"})
	assertValidation(t, err, "email")

	_, err = svc.Register(ctx, RegisterInput{Username: "alice", Email: "other@example.com", Password: "Abcd1234"})
	assertValidation(t, err, "username")
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})

	tests := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"missing username", RegisterInput{Email: "a@example.com", Password: "Abcd1234"}, "username"},
		{"bad email", RegisterInput{Username: "a", Email: "a@b", Password: "Abcd1234"}, "email"},
		{"weak password", RegisterInput{Username: "a", Email: "a@example.com", Password: "abc"}, "password"},
		{"no digit", RegisterInput{Username: "a", Email: "a@example.com", Password: "Abcdefgh"}, "password"},
		{"unknown role", RegisterInput{Username: "a", Email: "a@example.com", Password: "Abcd1234", Role: "superuser"}, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.in)
			assertValidation(t, err, tt.field)
		})
	}
}

func TestRegisterAdmin(t *testing.T) {
	in := RegisterInput{Username: "root", Email: "root@example.com", Password: "Abcd1234", Role: model.UserRoleAdmin}

	svc, _ := newTestService(t, nil, nil, Config{})
	if _, err := svc.Register(context.Background(), in); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	u, err := svc.CreateAdmin(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if u.Role != model.UserRoleAdmin {
		t.Errorf("expected admin role, got %s", u.Role)
	}

	open, _ := newTestService(t, nil, nil, Config{AllowAdminSignup: true})
	if _, err := open.Register(context.Background(), in); err != nil {
		t.Errorf("expected admin signup to be allowed, got %v", err)
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")

	tok, err := svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Abcd1234"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok.Token == "" || tok.User.ID != alice.ID {
		t.Fatalf("unexpected token %+v", tok)
	}

	u, err := svc.Authenticate(ctx, tok.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("expected alice, got %s", u.Username)
	}

	if _, err := svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Wrong1234"}); !errors.Is(err, ErrAuth) {
		t.Errorf("wrong password: expected ErrAuth, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "bob@example.com", Password: "Abcd1234"}); !errors.Is(err, ErrAuth) {
		t.Errorf("unknown email: expected ErrAuth, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "garbage"); !errors.Is(err, ErrAuth) {
		t.Errorf("bad token: expected ErrAuth, got %v", err)
	}
}

func TestUpdateUserRole(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")

	_, err := svc.UpdateUserRole(ctx, alice.ID, "superuser")
	assertValidation(t, err, "role")

	if _, err := svc.UpdateUserRole(ctx, 9999, model.UserRoleAdmin); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	u, err := svc.UpdateUserRole(ctx, alice.ID, model.UserRoleAdmin)
	if err != nil {
		t.Fatalf("UpdateUserRole: %v", err)
	}
	if u.Role != model.UserRoleAdmin {
		t.Errorf("expected admin, got %s", u.Role)
	}

	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Role != model.UserRoleAdmin {
		t.Errorf("expected role change to be listed, got %+v", users)
	}
}

func TestCreateExamValidation(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})

	_, err := svc.CreateExam(context.Background(), ExamInput{DurationMinutes: 10})
	assertValidation(t, err, "title")

	_, err = svc.CreateExam(context.Background(), ExamInput{Title: "T"})
	assertValidation(t, err, "duration_minutes")

	_, err = svc.CreateExam(context.Background(), ExamInput{Title: "T", DurationMinutes: -5})
	assertValidation(t, err, "duration_minutes")

	// Large enough to overflow a time.Duration in minutes.
	_, err = svc.CreateExam(context.Background(), ExamInput{Title: "T", DurationMinutes: 153722868})
	assertValidation(t, err, "duration_minutes")

	if _, err := svc.CreateExam(context.Background(), ExamInput{Title: "Week long", DurationMinutes: 10080}); err != nil {
		t.Errorf("expected a one-week exam to be accepted, got %v", err)
	}
}

func TestAddQuestionManual(t *testing.T) {
	svc, s := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	exam := createExam(t, svc)

	tests := []struct {
		name  string
		in    QuestionInput
		field string
	}{
		{"no correct option", QuestionInput{Text: "Q", Type: model.QuestionMultipleChoice, Options: []OptionInput{{Text: "a"}, {Text: "b"}}}, "options"},
		{"two correct options", QuestionInput{Text: "Q", Type: model.QuestionMultipleChoice, Options: []OptionInput{{Text: "a", IsCorrect: true}, {Text: "b", IsCorrect: true}}}, "options"},
		{"single option", QuestionInput{Text: "Q", Type: model.QuestionMultipleChoice, Options: []OptionInput{{Text: "a", IsCorrect: true}}}, "options"},
		{"empty option", QuestionInput{Text: "Q", Type: model.QuestionMultipleChoice, Options: []OptionInput{{Text: "a", IsCorrect: true}, {Text: ""}}}, "options[1].text"},
		{"blank correct option", QuestionInput{Text: "Q", Type: model.QuestionMultipleChoice, Points: 2, Options: []OptionInput{{Text: "   ", IsCorrect: true}, {Text: "B"}}}, "options[0].text"},
		{"essay without reference", QuestionInput{Text: "Q", Type: model.QuestionEssay}, "reference_answer"},
		{"missing text", QuestionInput{Type: model.QuestionEssay, ReferenceAnswer: "r"}, "text"},
		{"unknown type", QuestionInput{Text: "Q", Type: "true_false"}, "type"},
		{"negative points", QuestionInput{Text: "Q", Type: model.QuestionEssay, ReferenceAnswer: "r", Points: -1}, "points"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddQuestion(ctx, exam.ID, tt.in)
			assertValidation(t, err, tt.field)
		})
	}

	count, err := s.QuestionCount(exam.ID)
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rejected questions not to be stored, got %d", count)
	}

	q := addChoice(t, svc, exam.ID, 2)
	if q.CorrectAnswer != "4" || q.Points != 2 {
		t.Errorf("unexpected question %+v", q)
	}
	e := addEssay(t, svc, exam.ID, "Explain goroutines")
	if e.Points != defaultPoints {
		t.Errorf("expected default points, got %d", e.Points)
	}

	if _, err := svc.AddQuestion(ctx, 9999, QuestionInput{Text: "Q", Type: model.QuestionEssay, ReferenceAnswer: "r"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddQuestionGenerated(t *testing.T) {
	ctx := context.Background()

	t.Run("multiple choice", func(t *testing.T) {
		gen := &fakeGenerator{q: model.GeneratedQuestion{
			Text:    "Which keyword starts a goroutine?",
			Options: []string{"go", "async", "spawn", "thread"},
		}}
		svc, _ := newTestService(t, nil, gen, Config{})
		exam := createExam(t, svc)

		q, err := svc.AddQuestion(ctx, exam.ID, QuestionInput{Generate: true, Topic: "goroutines"})
		if err != nil {
			t.Fatalf("AddQuestion: %v", err)
		}
		if q.Type != model.QuestionMultipleChoice || q.CorrectAnswer != "go" {
			t.Errorf("unexpected question %+v", q)
		}

		detail, err := svc.GetExamDetails(ctx, exam.ID)
		if err != nil {
			t.Fatalf("GetExamDetails: %v", err)
		}
		opts := detail.Questions[0].Options
		if len(opts) != 4 {
			t.Fatalf("expected 4 options, got %d", len(opts))
		}
		correct, ok := detail.Questions[0].CorrectOption()
		if !ok || correct.Text != "go" || correct.ID != opts[0].ID {
			t.Errorf("expected the first option to be correct, got %+v", opts)
		}
	})

	t.Run("essay", func(t *testing.T) {
		gen := &fakeGenerator{q: model.GeneratedQuestion{Text: "Explain channels", ReferenceAnswer: "Typed conduits"}}
		svc, _ := newTestService(t, nil, gen, Config{})
		exam := createExam(t, svc)

		q, err := svc.AddQuestion(ctx, exam.ID, QuestionInput{Generate: true, Topic: "channels", Type: model.QuestionEssay})
		if err != nil {
			t.Fatalf("AddQuestion: %v", err)
		}
		if q.CorrectAnswer != "Typed conduits" {
			t.Errorf("expected reference answer to be stored, got %q", q.CorrectAnswer)
		}
	})

	failures := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"generator error", &fakeGenerator{err: errors.New("model offline")}},
		{"unusable output", &fakeGenerator{q: model.GeneratedQuestion{Text: "Q", Options: []string{"only"}}}},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			svc, s := newTestService(t, nil, tt.gen, Config{})
			exam := createExam(t, svc)

			_, err := svc.AddQuestion(ctx, exam.ID, QuestionInput{Generate: true, Topic: "x"})
			var se *ServiceError
			if !errors.As(err, &se) {
				t.Fatalf("expected ServiceError, got %v", err)
			}
			count, _ := s.QuestionCount(exam.ID)
			if count != 0 {
				t.Errorf("expected nothing persisted, got %d questions", count)
			}
		})
	}

	t.Run("missing topic", func(t *testing.T) {
		svc, _ := newTestService(t, nil, &fakeGenerator{}, Config{})
		exam := createExam(t, svc)
		_, err := svc.AddQuestion(ctx, exam.ID, QuestionInput{Generate: true})
		assertValidation(t, err, "topic")
	})
}

func TestGetExamDetails(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})
	ctx := context.Background()

	if _, err := svc.GetExamDetails(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	exam := createExam(t, svc)
	addEssay(t, svc, exam.ID, "first")
	addChoice(t, svc, exam.ID, 1)

	detail, err := svc.GetExamDetails(ctx, exam.ID)
	if err != nil {
		t.Fatalf("GetExamDetails: %v", err)
	}
	if detail.Title != "Go basics" || len(detail.Questions) != 2 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Questions[0].Type != model.QuestionEssay || detail.Questions[0].Options != nil {
		t.Errorf("expected essay first without options, got %+v", detail.Questions[0])
	}
	if len(detail.Questions[1].Options) != 3 {
		t.Errorf("expected 3 options on the choice question, got %d", len(detail.Questions[1].Options))
	}

	exams, err := svc.ListExams(ctx)
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if len(exams) != 1 || exams[0].ID != exam.ID {
		t.Errorf("unexpected exams %+v", exams)
	}
}

func TestStartExamBeforeSubmit(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)

	if _, _, err := svc.StartExam(ctx, 9999, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	sess, created, err := svc.StartExam(ctx, exam.ID, alice.ID)
	if err != nil {
		t.Fatalf("StartExam: %v", err)
	}
	if !created || sess.Status != model.StatusInProgress {
		t.Errorf("expected a new in-progress session, got %+v (created=%v)", sess, created)
	}

	results, err := svc.GetExamResults(ctx, exam.ID)
	if err != nil {
		t.Fatalf("GetExamResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != model.StatusInProgress || len(results[0].Answers) != 0 {
		t.Errorf("expected in_progress with no answers, got %+v", results[0])
	}
	if results[0].Student.Username != "alice" {
		t.Errorf("expected student alice, got %+v", results[0].Student)
	}

	again, created, err := svc.StartExam(ctx, exam.ID, alice.ID)
	if err != nil {
		t.Fatalf("StartExam again: %v", err)
	}
	if created || again.ID != sess.ID {
		t.Errorf("expected the open session to be resumed, got %d (created=%v)", again.ID, created)
	}

	if _, err := svc.GetExamResults(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitExamScores(t *testing.T) {
	grader := constGrader(4)
	svc, _ := newTestService(t, grader, nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	mc := addChoice(t, svc, exam.ID, 2)
	essay := addEssay(t, svc, exam.ID, "Explain interfaces")

	sess, _, err := svc.StartExam(ctx, exam.ID, alice.ID)
	if err != nil {
		t.Fatalf("StartExam: %v", err)
	}
	res, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{
		{QuestionID: mc.ID, AnswerText: " 4 "},
		{QuestionID: essay.ID, AnswerText: "Interfaces are method sets."},
	})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if res.Score != 6 {
		t.Errorf("expected score 6, got %v", res.Score)
	}
	if res.Status != model.StatusCompleted || res.Graded != 2 || res.Ungraded != 0 {
		t.Errorf("unexpected summary %+v", res)
	}

	results, err := svc.GetExamResults(ctx, exam.ID)
	if err != nil {
		t.Fatalf("GetExamResults: %v", err)
	}
	r := results[0]
	if r.Status != model.StatusCompleted || r.Score == nil || *r.Score != 6 || r.EndTime == nil {
		t.Errorf("unexpected stored result %+v", r)
	}
	if len(r.Answers) != 2 || r.Answers[1].Feedback != "graded" {
		t.Errorf("unexpected stored answers %+v", r.Answers)
	}

	// A second submission of a completed session is rejected.
	_, err = svc.SubmitExam(ctx, sess.ID, alice.ID, nil)
	assertValidation(t, err, "session")
}

func TestSubmitExamByOption(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	addChoice(t, svc, exam.ID, 3)

	detail, err := svc.GetExamDetails(ctx, exam.ID)
	if err != nil {
		t.Fatalf("GetExamDetails: %v", err)
	}
	q := detail.Questions[0]
	wrong := q.Options[0]

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	res, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{{QuestionID: q.ID, OptionID: wrong.ID}})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if res.Score != 0 || res.Answers[0].Text != wrong.Text {
		t.Errorf("expected zero score for the wrong option, got %+v", res)
	}

	bob := register(t, svc, "bob")
	sess, _, _ = svc.StartExam(ctx, exam.ID, bob.ID)
	res, err = svc.SubmitExam(ctx, sess.ID, bob.ID, []AnswerInput{{QuestionID: q.ID}})
	if err != nil {
		t.Fatalf("SubmitExam empty answer: %v", err)
	}
	if res.Score != 0 {
		t.Errorf("expected an empty answer to score 0, got %v", res.Score)
	}
}

func TestSubmitExamIsolatesGradingFailures(t *testing.T) {
	failing := true
	grader := &fakeGrader{grade: func(_ context.Context, answer, _ string) (int, string, error) {
		if failing && strings.Contains(answer, "second") {
			return 0, "", errors.New("grading backend unavailable")
		}
		return 3, "ok", nil
	}}
	svc, _ := newTestService(t, grader, nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	q1 := addEssay(t, svc, exam.ID, "one")
	q2 := addEssay(t, svc, exam.ID, "two")
	q3 := addEssay(t, svc, exam.ID, "three")

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	res, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{
		{QuestionID: q1.ID, AnswerText: "first answer"},
		{QuestionID: q2.ID, AnswerText: "second answer"},
		{QuestionID: q3.ID, AnswerText: "third answer"},
	})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if grader.calls != 3 {
		t.Errorf("expected every essay to be sent to the grader, got %d calls", grader.calls)
	}
	if res.Status != model.StatusCompleted || res.Graded != 2 || res.Ungraded != 1 || res.Score != 6 {
		t.Errorf("unexpected summary %+v", res)
	}
	failed := res.Answers[1]
	if failed.GradingStatus != model.GradingUngraded || failed.Score != nil {
		t.Errorf("expected second answer ungraded, got %+v", failed)
	}
	if !strings.Contains(failed.Feedback, "grading backend unavailable") {
		t.Errorf("expected failure recorded in feedback, got %q", failed.Feedback)
	}

	results, _ := svc.GetExamResults(ctx, exam.ID)
	if results[0].Answers[1].GradingStatus != model.GradingUngraded {
		t.Errorf("expected stored answer ungraded, got %+v", results[0].Answers[1])
	}

	failing = false
	res, err = svc.RegradeSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RegradeSession: %v", err)
	}
	if res.Graded != 3 || res.Ungraded != 0 || res.Score != 9 {
		t.Errorf("unexpected regrade summary %+v", res)
	}
	results, _ = svc.GetExamResults(ctx, exam.ID)
	if results[0].Score == nil || *results[0].Score != 9 {
		t.Errorf("expected stored score 9, got %v", results[0].Score)
	}
}

func TestSubmitExamOutOfRangeScore(t *testing.T) {
	svc, _ := newTestService(t, constGrader(9), nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	q := addEssay(t, svc, exam.ID, "one")

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	res, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{{QuestionID: q.ID, AnswerText: "x"}})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if res.Ungraded != 1 || res.Score != 0 {
		t.Errorf("expected out-of-range score to leave the answer ungraded, got %+v", res)
	}
}

func TestSubmitExamGradingTimeout(t *testing.T) {
	grader := &fakeGrader{grade: func(ctx context.Context, _, _ string) (int, string, error) {
		<-ctx.Done()
		return 0, "", ctx.Err()
	}}
	svc, _ := newTestService(t, grader, nil, Config{LLMTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	q := addEssay(t, svc, exam.ID, "one")

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	res, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{{QuestionID: q.ID, AnswerText: "x"}})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if res.Status != model.StatusCompleted || res.Ungraded != 1 {
		t.Errorf("expected timed out answer to be ungraded, got %+v", res)
	}
}

func TestSubmitExamForbidden(t *testing.T) {
	svc, _ := newTestService(t, constGrader(5), nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	bob := register(t, svc, "bob")
	exam := createExam(t, svc)
	q := addChoice(t, svc, exam.ID, 1)

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	_, err := svc.SubmitExam(ctx, sess.ID, bob.ID, []AnswerInput{{QuestionID: q.ID, AnswerText: "4"}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	results, _ := svc.GetExamResults(ctx, exam.ID)
	if results[0].Status != model.StatusInProgress {
		t.Errorf("expected session untouched, got %s", results[0].Status)
	}

	if _, err := svc.SubmitExam(ctx, 9999, alice.ID, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitExamValidation(t *testing.T) {
	svc, _ := newTestService(t, constGrader(5), nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	other := createExam(t, svc)
	q := addChoice(t, svc, exam.ID, 1)
	foreign := addChoice(t, svc, other.ID, 1)
	detail, _ := svc.GetExamDetails(ctx, other.ID)
	foreignOption := detail.Questions[0].Options[0]

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)

	tests := []struct {
		name    string
		answers []AnswerInput
		field   string
	}{
		{"foreign question", []AnswerInput{{QuestionID: foreign.ID, AnswerText: "4"}}, "answers[0].question_id"},
		{"duplicate question", []AnswerInput{{QuestionID: q.ID, AnswerText: "4"}, {QuestionID: q.ID, AnswerText: "3"}}, "answers[1].question_id"},
		{"missing question id", []AnswerInput{{AnswerText: "4"}}, "answers[0].question_id"},
		{"foreign option", []AnswerInput{{QuestionID: q.ID, OptionID: foreignOption.ID}}, "answers[0].option_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitExam(ctx, sess.ID, alice.ID, tt.answers)
			assertValidation(t, err, tt.field)
		})
	}

	// Rejected submissions leave the session open.
	if _, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{{QuestionID: q.ID, AnswerText: "4"}}); err != nil {
		t.Errorf("expected valid submission to succeed, got %v", err)
	}
}

func TestSubmitExamTimeLimit(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{Grace: time.Minute})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	svc.now = func() time.Time { return time.Now().Add(45 * time.Minute) }

	_, err := svc.SubmitExam(ctx, sess.ID, alice.ID, nil)
	assertValidation(t, err, "session")
}

func TestSubmitExamTerminatedWhileGrading(t *testing.T) {
	var st *store.Store
	grader := &fakeGrader{grade: func(context.Context, string, string) (int, string, error) {
		if _, err := st.TerminateOverdue(time.Now().Add(time.Hour), 0); err != nil {
			return 0, "", err
		}
		return 4, "ok", nil
	}}
	svc, s := newTestService(t, grader, nil, Config{})
	st = s
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	q := addEssay(t, svc, exam.ID, "Explain channels")

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	_, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{{QuestionID: q.ID, AnswerText: "pipes"}})
	assertValidation(t, err, "session")
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Fields["session"] != "time limit exceeded" {
		t.Errorf("expected time limit message, got %q", ve.Fields["session"])
	}
}

func TestDeleteExam(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	addChoice(t, svc, exam.ID, 1)
	if _, _, err := svc.StartExam(ctx, exam.ID, alice.ID); err != nil {
		t.Fatalf("StartExam: %v", err)
	}

	if err := svc.DeleteExam(ctx, exam.ID); err != nil {
		t.Fatalf("DeleteExam: %v", err)
	}
	if _, err := svc.GetExamDetails(ctx, exam.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := svc.DeleteExam(ctx, exam.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestRegradeRequiresCompletedSession(t *testing.T) {
	svc, _ := newTestService(t, constGrader(5), nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	_, err := svc.RegradeSession(ctx, sess.ID)
	assertValidation(t, err, "session")

	if _, err := svc.RegradeSession(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestImportQuestions(t *testing.T) {
	svc, s := newTestService(t, nil, nil, Config{})
	ctx := context.Background()
	exam := createExam(t, svc)

	data := []byte(`[
		{"text": "Capital of France?", "type": "multiple_choice", "points": 2,
		 "options": [{"text": "Paris", "is_correct": true}, {"text": "Rome"}]},
		{"text": "Explain defer", "type": "essay", "reference_answer": "Runs on return"}
	]`)

	res, err := svc.ImportQuestions(ctx, exam.ID, "geo.json", data)
	if err != nil {
		t.Fatalf("ImportQuestions: %v", err)
	}
	if res.Imported != 2 || res.Skipped {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = svc.ImportQuestions(ctx, exam.ID, "geo.json", data)
	if err != nil {
		t.Fatalf("ImportQuestions again: %v", err)
	}
	if !res.Skipped {
		t.Error("expected unchanged file to be skipped")
	}

	bad := []byte(`[
		{"text": "ok", "type": "essay", "reference_answer": "r"},
		{"text": "no correct", "type": "multiple_choice", "options": [{"text": "a"}, {"text": "b"}]}
	]`)
	_, err = svc.ImportQuestions(ctx, exam.ID, "bad.json", bad)
	assertValidation(t, err, "[1].options")

	_, err = svc.ImportQuestions(ctx, exam.ID, "broken.json", []byte(`{`))
	assertValidation(t, err, "file")

	count, _ := s.QuestionCount(exam.ID)
	if count != 2 {
		t.Errorf("expected only the first import to be stored, got %d questions", count)
	}
}

func TestExportExam(t *testing.T) {
	svc, _ := newTestService(t, constGrader(5), nil, Config{})
	ctx := context.Background()
	alice := register(t, svc, "alice")
	exam := createExam(t, svc)
	q := addEssay(t, svc, exam.ID, "one")

	sess, _, _ := svc.StartExam(ctx, exam.ID, alice.ID)
	if _, err := svc.SubmitExam(ctx, sess.ID, alice.ID, []AnswerInput{{QuestionID: q.ID, AnswerText: "x"}}); err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}

	export, err := svc.ExportExam(ctx, exam.ID, "standard")
	if err != nil {
		t.Fatalf("ExportExam: %v", err)
	}
	if export.Title != "Go basics" || export.NumQuestions != 1 || len(export.Results) != 1 {
		t.Errorf("unexpected export %+v", export)
	}
	if export.PromptVariant != "standard" {
		t.Errorf("expected prompt variant to be recorded, got %q", export.PromptVariant)
	}
}
