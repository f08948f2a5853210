package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/pavelanni/examd/internal/llm/prompts"
	"github.com/pavelanni/examd/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

const (
	minEssayScore = 1
	maxEssayScore = 5
	maxKeyTerms   = 3
)

var baseFeedback = map[int]string{
	5: "Excellent work! Your essay demonstrates comprehensive understanding and excellent articulation.",
	4: "Good work! Your essay shows strong understanding with some room for improvement.",
	3: "Satisfactory work. Your essay demonstrates basic understanding but needs more detail.",
	2: "Below average. Your essay needs significant improvement in content and structure.",
	1: "Needs improvement. Please review the topic and try again.",
}

// gradeResponse is the JSON object the grading prompt asks for.
type gradeResponse struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// generateResponse is the JSON object the generation prompts ask for.
type generateResponse struct {
	QuestionText    string   `json:"question_text"`
	Options         []string `json:"options"`
	ReferenceAnswer string   `json:"reference_answer"`
}

// Client wraps an OpenAI-compatible API client. It grades essays and
// generates questions.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM client. Prompt templates are loaded on first use.
func New(baseURL, apiKey, modelName, variant string) (*Client, error) {
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.PromptVariant(variant),
	}, nil
}

// Ping checks that the endpoint answers and lists models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, prompt string, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return raw, nil
}

// GradeEssay scores an essay against the reference answer on a 1-5 scale
// and returns feedback for the student.
func (c *Client) GradeEssay(ctx context.Context, answer, reference string) (int, string, error) {
	prompt, err := prompts.BuildGradePrompt(c.variant, reference, answer)
	if err != nil {
		return 0, "", fmt.Errorf("build grading prompt: %w", err)
	}
	raw, err := c.complete(ctx, prompt, 0.1)
	if err != nil {
		return 0, "", err
	}
	return parseGrade(raw, answer, reference)
}

func parseGrade(raw, answer, reference string) (int, string, error) {
	var result gradeResponse
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return 0, "", fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	score := int(math.Round(result.Score))
	if score < minEssayScore || score > maxEssayScore {
		return 0, "", fmt.Errorf("grading score %v outside %d-%d", result.Score, minEssayScore, maxEssayScore)
	}
	return score, BuildFeedback(score, result.Feedback, answer, reference), nil
}

// GenerateQuestion asks the model for a new question about topic. For
// multiple choice the first option is the correct one.
func (c *Client) GenerateQuestion(ctx context.Context, topic string, qtype model.QuestionType) (model.GeneratedQuestion, error) {
	prompt, err := prompts.BuildGeneratePrompt(qtype, topic)
	if err != nil {
		return model.GeneratedQuestion{}, fmt.Errorf("build generation prompt: %w", err)
	}
	raw, err := c.complete(ctx, prompt, 0.7)
	if err != nil {
		return model.GeneratedQuestion{}, err
	}
	return parseGenerated(raw, qtype)
}

func parseGenerated(raw string, qtype model.QuestionType) (model.GeneratedQuestion, error) {
	var resp generateResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return model.GeneratedQuestion{}, fmt.Errorf("parse generation response: %w (raw: %s)", err, raw)
	}
	q := model.GeneratedQuestion{
		Text: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(resp.QuestionText), "Question:")),
		Type: qtype,
	}
	if q.Text == "" {
		return model.GeneratedQuestion{}, fmt.Errorf("generated question has no text (raw: %s)", raw)
	}

	switch qtype {
	case model.QuestionMultipleChoice:
		seen := make(map[string]bool)
		for _, o := range resp.Options {
			o = strings.TrimSpace(o)
			if o == "" || seen[o] {
				continue
			}
			seen[o] = true
			q.Options = append(q.Options, o)
			if len(q.Options) == prompts.NumOptions {
				break
			}
		}
		if len(q.Options) < 2 {
			return model.GeneratedQuestion{}, fmt.Errorf("generated question has %d usable options", len(q.Options))
		}
		q.CorrectAnswer = q.Options[0]
	case model.QuestionEssay:
		q.ReferenceAnswer = strings.TrimSpace(resp.ReferenceAnswer)
		if q.ReferenceAnswer == "" {
			return model.GeneratedQuestion{}, fmt.Errorf("generated essay question has no reference answer")
		}
	}
	return q, nil
}

// BuildFeedback combines the canned sentence for score, the model's own
// feedback and content suggestions derived from the reference answer.
func BuildFeedback(score int, modelFeedback, essay, reference string) string {
	var sb strings.Builder
	sb.WriteString(baseFeedback[score])
	if f := strings.TrimSpace(modelFeedback); f != "" {
		sb.WriteString(" " + f)
	}

	var points []string
	essayWords := words(essay)
	refWords := words(reference)
	if float64(len(essayWords)) < float64(len(refWords))*0.5 {
		points = append(points, "Consider expanding your response with more details.")
	}
	if missing := missingTerms(essayWords, refWords); len(missing) > 0 {
		points = append(points, "Consider incorporating these key concepts: "+strings.Join(missing, ", "))
	}

	if len(points) > 0 {
		sb.WriteString("\n\nSpecific suggestions:\n- " + strings.Join(points, "\n- "))
	}
	return sb.String()
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// missingTerms returns up to maxKeyTerms reference words absent from the
// essay, longest first.
func missingTerms(essay, reference []string) []string {
	have := make(map[string]bool, len(essay))
	for _, w := range essay {
		have[w] = true
	}
	seen := make(map[string]bool)
	var missing []string
	for _, w := range reference {
		if have[w] || seen[w] || len(w) < 4 {
			continue
		}
		seen[w] = true
		missing = append(missing, w)
	}
	sort.SliceStable(missing, func(i, j int) bool {
		if len(missing[i]) != len(missing[j]) {
			return len(missing[i]) > len(missing[j])
		}
		return missing[i] < missing[j]
	})
	if len(missing) > maxKeyTerms {
		missing = missing[:maxKeyTerms]
	}
	return missing
}
