package uat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"UATChat/internal/cache"
	"UATChat/internal/gateway"
	"UATChat/internal/retrieval"
)

// IndexMissingError tells the operator the retrieval index must be built
// before grounded UAT generation can run.
type IndexMissingError struct {
	Err error
}

func (e *IndexMissingError) Error() string {
	return "retrieval index not found; run the uatindex tool to build it before generating grounded UAT documents"
}

func (e *IndexMissingError) Unwrap() error { return e.Err }

// Retriever supplies grounding context for a user story.
type Retriever interface {
	Query(ctx context.Context, query string) (string, error)
}

// Result is a generated UAT artifact.
type Result struct {
	TestCases     string `json:"test_cases"`
	Configuration string `json:"configuration"`
	QualityScore  int    `json:"quality_score"`
	ModelUsed     string `json:"model_used"`
	GeneratedText string `json:"generated_text"`
}

const promptFormat = `[INSTRUCTION] Generate comprehensive test cases and YAML configuration for this user story:

USER STORY: %s

[OUTPUT FORMAT]
TEST CASES:
1. Positive Test Case - [Title]
   - Preconditions: [Prerequisites]
   - Steps:
     a) [Step 1]
     b) [Step 2]
   - Expected: [Expected result]

2. Negative Test Case - [Title]
   - Preconditions: [Prerequisites]
   - Steps:
     a) [Step 1]
     b) [Step 2]
   - Expected: [Expected error]

CONFIGURATION:
environment: uat_test
feature_under_test: [feature name]
test_data:
  valid_inputs: [examples]
  invalid_inputs: [examples]
security_settings:
  authentication_required: true
  audit_logging: true

[GENERATE]
`

const defaultConfiguration = `environment: uat_test
feature_under_test: extracted_feature
test_data:
  valid_inputs: ["test_data"]
  invalid_inputs: ["invalid_data"]
security_settings:
  authentication_required: true
  audit_logging: true`

// BuildPrompt renders the UAT instruction prompt for a user story. When
// grounding context from retrieval is available it is prefixed as reference
// material.
func BuildPrompt(userStory, groundingContext string) string {
	body := fmt.Sprintf(promptFormat, userStory)
	if groundingContext == "" {
		return body
	}
	return "[REFERENCE MATERIAL]\n" + groundingContext + "\n" + body
}

// ExtractTestCases pulls the TEST CASES section out of raw model output.
func ExtractTestCases(text string) string {
	start := strings.Index(text, "TEST CASES:")
	if start < 0 {
		return "Test cases not properly generated"
	}
	end := strings.Index(text, "CONFIGURATION:")
	if end < 0 || end < start {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// ExtractConfiguration pulls the CONFIGURATION section out of raw model
// output. The YAML body must parse; otherwise the default configuration
// block is substituted so downstream tooling always receives valid YAML.
func ExtractConfiguration(text string) string {
	start := strings.Index(text, "CONFIGURATION:")
	if start < 0 {
		return defaultConfiguration
	}
	body := strings.TrimSpace(text[start+len("CONFIGURATION:"):])

	var parsed map[string]interface{}
	if err := yaml.Unmarshal([]byte(body), &parsed); err != nil || len(parsed) == 0 {
		return defaultConfiguration
	}
	return body
}

// QualityScore rates a generated artifact by the structural markers it
// carries. Base 70, capped at 95.
func QualityScore(testCases, configuration string) int {
	score := 70
	for marker, points := range map[string]int{
		"Preconditions:":     5,
		"Steps:":             5,
		"Expected:":          5,
		"Positive Test Case": 5,
		"Negative Test Case": 5,
	} {
		if strings.Contains(testCases, marker) {
			score += points
		}
	}
	if strings.Contains(configuration, "environment:") {
		score += 3
	}
	if strings.Contains(configuration, "test_data:") {
		score += 2
	}
	if score > 95 {
		score = 95
	}
	return score
}

// Generator produces UAT artifacts from user stories, optionally grounded
// through a retrieval collaborator.
type Generator struct {
	gw        gateway.Gateway
	retriever Retriever
	required  bool
	modelName string
	cache     *cache.Cache[Result]
	logger    *slog.Logger
}

// NewGenerator creates a Generator. retriever may be nil, in which case
// generation is always template-only. When required is true a missing index
// blocks generation instead of degrading.
func NewGenerator(gw gateway.Gateway, retriever Retriever, required bool, modelName string, logger *slog.Logger) *Generator {
	return &Generator{
		gw:        gw,
		retriever: retriever,
		required:  required,
		modelName: modelName,
		cache:     cache.New[Result](time.Hour),
		logger:    logger,
	}
}

// Generate runs one UAT generation for userStory.
func (g *Generator) Generate(ctx context.Context, userStory string) (Result, error) {
	cacheKey := cache.Key("uat", userStory)
	if cached, ok := g.cache.Get(cacheKey); ok {
		g.logger.Info("uat cache hit", "key", cacheKey[:16])
		return cached, nil
	}

	groundingContext := ""
	if g.retriever != nil {
		text, err := g.retriever.Query(ctx, userStory)
		switch {
		case errors.Is(err, retrieval.ErrIndexNotFound):
			if g.required {
				return Result{}, &IndexMissingError{Err: err}
			}
			g.logger.Warn("retrieval index missing, generating without grounding", "error", err)
		case err != nil:
			g.logger.Warn("retrieval failed, generating without grounding", "error", err)
		default:
			groundingContext = text
		}
	}

	opts := gateway.Options{
		MaxTokens:         512,
		Temperature:       0.3,
		TopP:              0.9,
		RepetitionPenalty: 1.1,
		Stop:              []string{"</end>", "[END]"},
	}
	res, err := g.gw.Generate(ctx, BuildPrompt(userStory, groundingContext), opts)
	if err != nil {
		return Result{}, fmt.Errorf("uat generation failed: %w", err)
	}

	testCases := ExtractTestCases(res.Text)
	configuration := ExtractConfiguration(res.Text)
	result := Result{
		TestCases:     testCases,
		Configuration: configuration,
		QualityScore:  QualityScore(testCases, configuration),
		ModelUsed:     g.modelName,
		GeneratedText: res.Text,
	}

	g.cache.Put(cacheKey, result)
	return result, nil
}
