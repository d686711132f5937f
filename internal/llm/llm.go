// Package llm wraps the external AI scoring service. The client is a
// boundary component: every failure (transport, malformed payload,
// missing fields) is converted into a synthesized zero-score result
// with localized text, so the session machine never sees a raw error.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haiminh-dev/aptis-trainer/internal/i18n"
	"github.com/haiminh-dev/aptis-trainer/internal/llm/prompts"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
)

// api is the slice of the OpenAI client the evaluator uses. *openai.Client
// satisfies it; tests substitute fakes.
type api interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Client evaluates captured artifacts against an OpenAI-compatible API.
type Client struct {
	api        api
	model      string
	imageModel string
	lang       prompts.FeedbackLanguage
}

// New creates a scoring client.
func New(baseURL, apiKey, modelName, imageModel string, lang prompts.FeedbackLanguage) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:        openai.NewClientWithConfig(config),
		model:      modelName,
		imageModel: imageModel,
		lang:       lang,
	}
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint check: %w", err)
	}
	return nil
}

// Evaluate scores one submission round. It makes a single attempt with
// no retry, and never returns an error: any failure yields the
// localized fallback result(s) for the part.
func (c *Client) Evaluate(ctx context.Context, p profile.PartProfile, item model.PracticeItem, artifacts []model.Artifact) []model.EvaluationResult {
	raw, err := c.complete(ctx, p, item, artifacts)
	if err != nil {
		slog.Error("evaluation call failed", "part", p.Part, "item", item.ID, "error", err)
		return Fallback(ctx, p)
	}

	results, err := parseResults(raw, p)
	if err != nil {
		slog.Error("evaluation response rejected", "part", p.Part, "item", item.ID, "error", err)
		return Fallback(ctx, p)
	}
	return results
}

func (c *Client) complete(ctx context.Context, p profile.PartProfile, item model.PracticeItem, artifacts []model.Artifact) ([]byte, error) {
	msg, err := buildMessage(p, item, artifacts, c.lang)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: []openai.ChatCompletionMessage{msg},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("scoring API returned no choices")
	}
	return []byte(resp.Choices[0].Message.Content), nil
}

// buildMessage assembles the chat message: prompt text plus, for
// speaking parts, one inline audio part per captured clip.
func buildMessage(p profile.PartProfile, item model.PracticeItem, artifacts []model.Artifact, lang prompts.FeedbackLanguage) (openai.ChatCompletionMessage, error) {
	switch {
	case p.Capture == profile.CaptureAudio:
		text := prompts.BuildSpeaking(p, item, lang)
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}
		for _, a := range artifacts {
			if a.Kind != model.ArtifactAudio {
				return openai.ChatCompletionMessage{}, fmt.Errorf("speaking part got %s artifact", a.Kind)
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeInputAudio,
				InputAudio: &openai.ChatMessageInputAudio{
					Data:   base64.StdEncoding.EncodeToString(a.Audio),
					Format: "wav",
				},
			})
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}, nil

	case len(p.Split) == 2:
		answers := textAnswers(artifacts)
		// The first split label owns the leading slot; the rest belong
		// to the second (writing 2&3: 1+3, writing 4: 1+1).
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompts.BuildSplitWriting(p, item, answers, 1, lang),
		}, nil

	default:
		answers := textAnswers(artifacts)
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompts.BuildWriting(p, item, answers, lang),
		}, nil
	}
}

func textAnswers(artifacts []model.Artifact) []string {
	var out []string
	for _, a := range artifacts {
		if a.Kind == model.ArtifactText {
			out = append(out, a.Texts...)
		}
	}
	return out
}

// Fallback synthesizes the zero-score result(s) substituted on any
// evaluation failure. One result per split label, or a single unlabeled
// one.
func Fallback(ctx context.Context, p profile.PartProfile) []model.EvaluationResult {
	labels := p.Split
	if len(labels) == 0 {
		labels = []string{""}
	}
	out := make([]model.EvaluationResult, 0, len(labels))
	for _, label := range labels {
		r := model.EvaluationResult{
			Label:    label,
			Score:    0,
			Fallback: true,
		}
		if p.LevelSource == profile.LevelFromScale {
			r.Level = p.LevelFor(0)
		} else {
			r.Level = i18n.T(ctx, "eval.level_unavailable")
		}
		if p.Feedback == profile.FeedbackCriteria {
			r.Feedback.Criteria = make(map[string]string, len(p.Criteria))
			for _, c := range p.Criteria {
				r.Feedback.Criteria[c] = i18n.T(ctx, "eval.failed_criterion")
			}
		} else {
			r.Feedback.Summary = i18n.T(ctx, "eval.failed")
		}
		if label != "" {
			r.Feedback.Summary = i18n.Td(ctx, "eval.failed_part", map[string]any{"Part": label})
		}
		out = append(out, r)
	}
	return out
}

// --- response parsing ---

type summaryPayload struct {
	Feedback *string  `json:"feedback"`
	Score    *float64 `json:"score"`
	CEFR     *string  `json:"cefr"`
}

type criteriaPayload struct {
	Score    *float64          `json:"score"`
	Feedback map[string]string `json:"feedback"`
}

// parseResults validates the structured payload and maps it onto the
// part's scale. A response missing any required field is a failure.
func parseResults(raw []byte, p profile.PartProfile) ([]model.EvaluationResult, error) {
	if p.Feedback == profile.FeedbackSummary {
		r, err := parseSummary(raw, p)
		if err != nil {
			return nil, err
		}
		return []model.EvaluationResult{r}, nil
	}

	if len(p.Split) == 2 {
		var outer map[string]json.RawMessage
		if err := json.Unmarshal(raw, &outer); err != nil {
			return nil, fmt.Errorf("parse split response: %w", err)
		}
		out := make([]model.EvaluationResult, 0, 2)
		for _, label := range p.Split {
			sub, ok := outer[label]
			if !ok {
				return nil, fmt.Errorf("split response missing %q", label)
			}
			r, err := parseCriteria(sub, p)
			if err != nil {
				return nil, fmt.Errorf("sub-part %q: %w", label, err)
			}
			r.Label = label
			out = append(out, r)
		}
		return out, nil
	}

	r, err := parseCriteria(raw, p)
	if err != nil {
		return nil, err
	}
	return []model.EvaluationResult{r}, nil
}

func parseSummary(raw []byte, p profile.PartProfile) (model.EvaluationResult, error) {
	var payload summaryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.EvaluationResult{}, fmt.Errorf("parse response: %w", err)
	}
	if payload.Feedback == nil || payload.Score == nil || payload.CEFR == nil {
		return model.EvaluationResult{}, fmt.Errorf("response missing required fields (raw: %s)", raw)
	}
	return model.EvaluationResult{
		Score:    p.ClampScore(*payload.Score),
		Level:    *payload.CEFR,
		Feedback: model.Feedback{Summary: *payload.Feedback},
	}, nil
}

func parseCriteria(raw []byte, p profile.PartProfile) (model.EvaluationResult, error) {
	var payload criteriaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.EvaluationResult{}, fmt.Errorf("parse response: %w", err)
	}
	if payload.Score == nil {
		return model.EvaluationResult{}, fmt.Errorf("response missing score (raw: %s)", raw)
	}
	for _, c := range p.Criteria {
		if _, ok := payload.Feedback[c]; !ok {
			return model.EvaluationResult{}, fmt.Errorf("response missing feedback criterion %q", c)
		}
	}
	score := p.ClampScore(*payload.Score)
	return model.EvaluationResult{
		Score:    score,
		Level:    p.LevelFor(score),
		Feedback: model.Feedback{Criteria: payload.Feedback},
	}, nil
}
