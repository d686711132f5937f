package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haiminh-dev/aptis-trainer/internal/i18n"
	"github.com/haiminh-dev/aptis-trainer/internal/llm/prompts"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
)

type fakeAPI struct {
	content   string
	chatErr   error
	images    []string
	imageErr  error
	lastChat  openai.ChatCompletionRequest
	lastImage openai.ImageRequest
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastChat = req
	if f.chatErr != nil {
		return openai.ChatCompletionResponse{}, f.chatErr
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func (f *fakeAPI) CreateImage(_ context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	f.lastImage = req
	if f.imageErr != nil {
		return openai.ImageResponse{}, f.imageErr
	}
	resp := openai.ImageResponse{}
	for _, b64 := range f.images {
		resp.Data = append(resp.Data, openai.ImageResponseDataInner{B64JSON: b64})
	}
	return resp, nil
}

func (f *fakeAPI) ListModels(_ context.Context) (openai.ModelsList, error) {
	return openai.ModelsList{}, nil
}

func testClient(api *fakeAPI) *Client {
	return &Client{api: api, model: "test-model", imageModel: "test-image", lang: prompts.FeedbackEnglish}
}

func mustRegistry(t *testing.T) *profile.Registry {
	t.Helper()
	reg, err := profile.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return reg
}

func mustPart(t *testing.T, reg *profile.Registry, part model.Part) profile.PartProfile {
	t.Helper()
	p, ok := reg.Part(part)
	if !ok {
		t.Fatalf("no profile for %s", part)
	}
	return p
}

func init() {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
}

func TestEvaluateSpeakingSummary(t *testing.T) {
	reg := mustRegistry(t)
	api := &fakeAPI{content: `{"feedback": "Good fluency overall.", "score": 4, "cefr": "B1"}`}
	c := testClient(api)

	results := c.Evaluate(context.Background(),
		mustPart(t, reg, model.PartSpeaking1),
		model.PracticeItem{ID: 1, Part: model.PartSpeaking1, Prompts: []string{"Tell me about your hometown."}},
		[]model.Artifact{{Kind: model.ArtifactAudio, Audio: []byte{1, 2, 3}}},
	)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Fallback {
		t.Error("result should not be a fallback")
	}
	if r.Score != 4 {
		t.Errorf("Score = %v, want 4", r.Score)
	}
	if r.Level != "B1" {
		t.Errorf("Level = %q, want B1", r.Level)
	}
	if r.Feedback.Summary != "Good fluency overall." {
		t.Errorf("Summary = %q", r.Feedback.Summary)
	}

	msg := api.lastChat.Messages[0]
	if len(msg.MultiContent) != 2 {
		t.Fatalf("got %d message parts, want text + audio", len(msg.MultiContent))
	}
	audio := msg.MultiContent[1]
	if audio.Type != openai.ChatMessagePartTypeInputAudio {
		t.Errorf("second part type = %s, want input_audio", audio.Type)
	}
	if audio.InputAudio == nil || audio.InputAudio.Format != "wav" {
		t.Error("audio part should carry wav data")
	}
	if api.lastChat.ResponseFormat == nil || api.lastChat.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Error("request should demand a JSON object response")
	}
}

func TestEvaluateWritingCriteria(t *testing.T) {
	reg := mustRegistry(t)
	api := &fakeAPI{content: `{
		"score": 2.6,
		"feedback": {
			"taskCompletion": "All prompts answered.",
			"grammarAccuracy": "Minor slips.",
			"vocabularyAppropriateness": "Adequate range.",
			"spellingPunctuation": "Mostly correct."
		}
	}`}
	c := testClient(api)
	p := mustPart(t, reg, model.PartWriting1)

	results := c.Evaluate(context.Background(), p,
		model.PracticeItem{ID: 11, Part: model.PartWriting1},
		[]model.Artifact{{Kind: model.ArtifactText, Texts: []string{"a", "b", "c", "d", "e"}}},
	)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Score != 2.6 {
		t.Errorf("Score = %v, want 2.6", r.Score)
	}
	if want := p.LevelFor(2.6); r.Level != want {
		t.Errorf("Level = %q, want %q", r.Level, want)
	}
	if len(r.Feedback.Criteria) != 4 {
		t.Errorf("got %d criteria, want 4", len(r.Feedback.Criteria))
	}
}

func TestEvaluateSplitWriting(t *testing.T) {
	reg := mustRegistry(t)
	p := mustPart(t, reg, model.PartWriting4)
	if len(p.Split) != 2 {
		t.Fatalf("writing4 should have two sub-parts, got %v", p.Split)
	}
	sub := `{"score": 3, "feedback": {` + criteriaJSON(p.Criteria) + `}}`
	api := &fakeAPI{content: `{"` + p.Split[0] + `": ` + sub + `, "` + p.Split[1] + `": ` + sub + `}`}
	c := testClient(api)

	results := c.Evaluate(context.Background(), p,
		model.PracticeItem{ID: 41, Part: model.PartWriting4},
		[]model.Artifact{{Kind: model.ArtifactText, Texts: []string{"informal", "formal"}}},
	)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, label := range p.Split {
		if results[i].Label != label {
			t.Errorf("results[%d].Label = %q, want %q", i, results[i].Label, label)
		}
		if results[i].Fallback {
			t.Errorf("results[%d] should not be a fallback", i)
		}
	}
}

func criteriaJSON(criteria []string) string {
	parts := make([]string, len(criteria))
	for i, c := range criteria {
		parts[i] = `"` + c + `": "ok"`
	}
	return strings.Join(parts, ", ")
}

func TestEvaluateFallbacks(t *testing.T) {
	reg := mustRegistry(t)

	tests := []struct {
		name string
		part model.Part
		api  *fakeAPI
		want int
	}{
		{"transport error", model.PartSpeaking1, &fakeAPI{chatErr: errors.New("connection refused")}, 1},
		{"malformed JSON", model.PartSpeaking1, &fakeAPI{content: "not json at all"}, 1},
		{"missing score", model.PartSpeaking1, &fakeAPI{content: `{"feedback": "x", "cefr": "A2"}`}, 1},
		{"missing criterion", model.PartWriting1, &fakeAPI{content: `{"score": 2, "feedback": {"grammarAccuracy": "x"}}`}, 1},
		{"split error fans out", model.PartWriting4, &fakeAPI{chatErr: errors.New("timeout")}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(tt.api)
			p := mustPart(t, reg, tt.part)
			artifact := model.Artifact{Kind: model.ArtifactAudio, Audio: []byte{1}}
			if p.Capture == profile.CaptureText {
				artifact = model.Artifact{Kind: model.ArtifactText, Texts: []string{"x"}}
			}

			results := c.Evaluate(context.Background(), p,
				model.PracticeItem{ID: 7, Part: tt.part},
				[]model.Artifact{artifact},
			)

			if len(results) != tt.want {
				t.Fatalf("got %d results, want %d", len(results), tt.want)
			}
			for _, r := range results {
				if !r.Fallback {
					t.Error("result should be marked as fallback")
				}
				if r.Score != 0 {
					t.Errorf("fallback Score = %v, want 0", r.Score)
				}
				if r.Level == "" {
					t.Error("fallback should still carry a level label")
				}
			}
		})
	}
}

func TestFallbackShapes(t *testing.T) {
	reg := mustRegistry(t)
	ctx := context.Background()

	t.Run("summary part", func(t *testing.T) {
		p := mustPart(t, reg, model.PartSpeaking1)
		results := Fallback(ctx, p)
		if len(results) != 1 {
			t.Fatalf("got %d results, want 1", len(results))
		}
		if results[0].Feedback.Summary == "" {
			t.Error("summary fallback should carry failure text")
		}
		if results[0].Level != "N/A" {
			t.Errorf("service-level fallback Level = %q, want N/A", results[0].Level)
		}
	})

	t.Run("criteria part", func(t *testing.T) {
		p := mustPart(t, reg, model.PartWriting1)
		results := Fallback(ctx, p)
		if len(results[0].Feedback.Criteria) != len(p.Criteria) {
			t.Errorf("got %d criteria, want %d", len(results[0].Feedback.Criteria), len(p.Criteria))
		}
		if want := p.LevelFor(0); results[0].Level != want {
			t.Errorf("scale-level fallback Level = %q, want %q", results[0].Level, want)
		}
	})

	t.Run("split part names each sub-part", func(t *testing.T) {
		p := mustPart(t, reg, model.PartWriting2And3)
		results := Fallback(ctx, p)
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		for _, res := range results {
			if res.Feedback.Summary != "Analysis failed for "+res.Label+"." {
				t.Errorf("split summary = %q, want failure text naming %s", res.Feedback.Summary, res.Label)
			}
		}
	})
}

func TestIllustrate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		api := &fakeAPI{images: []string{"aW1nMQ==", "aW1nMg=="}}
		c := testClient(api)
		out := c.Illustrate(context.Background(), "a busy market", 2)
		if len(out) != 2 {
			t.Fatalf("got %d illustrations, want 2", len(out))
		}
		for i, img := range out {
			if img.Placeholder {
				t.Errorf("illustration %d should not be a placeholder", i)
			}
			if img.B64Data == "" {
				t.Errorf("illustration %d missing data", i)
			}
		}
		if api.lastImage.ResponseFormat != openai.CreateImageResponseFormatB64JSON {
			t.Error("request should ask for base64 payloads")
		}
	})

	t.Run("generation failure yields placeholders", func(t *testing.T) {
		api := &fakeAPI{imageErr: errors.New("model not found")}
		c := testClient(api)
		out := c.Illustrate(context.Background(), "two scenes", 2)
		if len(out) != 2 {
			t.Fatalf("got %d illustrations, want 2", len(out))
		}
		for i, img := range out {
			if !img.Placeholder {
				t.Errorf("illustration %d should be a placeholder", i)
			}
			if img.Label != "Illustration unavailable" {
				t.Errorf("illustration %d label = %q, want localized caption", i, img.Label)
			}
		}
	})

	t.Run("no image model configured", func(t *testing.T) {
		c := &Client{api: &fakeAPI{}, model: "m", lang: prompts.FeedbackEnglish}
		out := c.Illustrate(context.Background(), "seed", 1)
		if len(out) != 1 || !out[0].Placeholder {
			t.Errorf("expected a single placeholder, got %+v", out)
		}
	})
}
