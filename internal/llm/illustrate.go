package llm

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haiminh-dev/aptis-trainer/internal/i18n"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
)

// Illustrate generates count practice images from a textual seed. It
// never fails: any generation error, including a missing image model,
// yields placeholder entries so the session can proceed unchanged.
func (c *Client) Illustrate(ctx context.Context, seed string, count int) []model.Illustration {
	if count <= 0 {
		return nil
	}
	if c.imageModel == "" {
		return placeholders(ctx, seed, count)
	}

	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Model:          c.imageModel,
		Prompt:         illustrationPrompt(seed),
		N:              count,
		Size:           openai.CreateImageSize512x512,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		slog.Warn("illustration generation failed", "seed", seed, "error", err)
		return placeholders(ctx, seed, count)
	}
	if len(resp.Data) == 0 {
		slog.Warn("illustration generation returned no images", "seed", seed)
		return placeholders(ctx, seed, count)
	}

	out := make([]model.Illustration, 0, count)
	for i := 0; i < count; i++ {
		if i < len(resp.Data) && resp.Data[i].B64JSON != "" {
			out = append(out, model.Illustration{Seed: seed, B64Data: resp.Data[i].B64JSON})
		} else {
			out = append(out, model.Illustration{Seed: seed, Placeholder: true, Label: i18n.T(ctx, "illustration.placeholder")})
		}
	}
	return out
}

func placeholders(ctx context.Context, seed string, count int) []model.Illustration {
	label := i18n.T(ctx, "illustration.placeholder")
	out := make([]model.Illustration, count)
	for i := range out {
		out[i] = model.Illustration{Seed: seed, Placeholder: true, Label: label}
	}
	return out
}

func illustrationPrompt(seed string) string {
	return fmt.Sprintf("A clear, realistic photograph suitable for an English speaking exam: %s. No text or captions in the image.", seed)
}
