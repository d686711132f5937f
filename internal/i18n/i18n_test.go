package i18n

import (
	"context"
	"testing"
)

func TestInitAndTranslate(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx := WithLocalizer(context.Background(), NewLocalizer("en"))
	if got := T(ctx, "session.empty_selection"); got == "" || got == "session.empty_selection" {
		t.Errorf("expected English translation, got %q", got)
	}

	viCtx := WithLocalizer(context.Background(), NewLocalizer("vi"))
	en := T(ctx, "eval.failed")
	vi := T(viCtx, "eval.failed")
	if en == vi {
		t.Errorf("expected distinct translations, got %q for both", en)
	}
}

func TestTd(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := WithLocalizer(context.Background(), NewLocalizer("vi"))
	got := Td(ctx, "eval.failed_part", map[string]any{"Part": "part2"})
	if got == "eval.failed_part" {
		t.Errorf("expected templated translation, got message ID")
	}
}

func TestBackgroundContextFollowsInitLanguage(t *testing.T) {
	if err := Init("vi"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		if err := Init("en"); err != nil {
			t.Fatalf("Init: %v", err)
		}
	})

	// Evaluation goroutines resolve fallback text through a background
	// context; it must pick up the deployment language, not English.
	got := T(context.Background(), "eval.failed")
	want := "Đã có lỗi xảy ra khi phân tích câu trả lời của bạn. Vui lòng thử lại."
	if got != want {
		t.Errorf("T(background, eval.failed) = %q, want %q", got, want)
	}
}

func TestMissingTranslationFallsBackToID(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()
	if got := T(ctx, "no.such.message"); got != "no.such.message" {
		t.Errorf("expected message ID fallback, got %q", got)
	}
}

func TestInitRejectsBadLanguage(t *testing.T) {
	if err := Init("!!"); err == nil {
		t.Error("expected error for invalid language tag")
	}
}
