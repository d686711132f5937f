package bank

import (
	"database/sql"
	"testing"

	"github.com/haiminh-dev/aptis-trainer/internal/model"
)

func newTestBank(t *testing.T) *Bank {
	t.Helper()
	b, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAllPartsSeeded(t *testing.T) {
	b := newTestBank(t)

	parts := []model.Part{
		model.PartSpeaking1, model.PartSpeaking2, model.PartSpeaking3, model.PartSpeaking4,
		model.PartWriting1, model.PartWriting2And3, model.PartWriting4,
	}
	for _, p := range parts {
		n, err := b.Count(p)
		if err != nil {
			t.Fatalf("Count(%s): %v", p, err)
		}
		if n == 0 {
			t.Errorf("bank for %s is empty", p)
		}
	}
}

func TestListItemsOrderedWithPrompts(t *testing.T) {
	b := newTestBank(t)

	items, err := b.ListItems(model.PartSpeaking4)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 14 {
		t.Fatalf("expected 14 speaking4 topics, got %d", len(items))
	}
	for i, it := range items {
		if i > 0 && items[i-1].ID >= it.ID {
			t.Fatalf("items not ordered by id: %d before %d", items[i-1].ID, it.ID)
		}
		if len(it.Prompts) != 3 {
			t.Errorf("item %d has %d prompts, want 3", it.ID, len(it.Prompts))
		}
		if it.Topic == "" {
			t.Errorf("item %d has no topic", it.ID)
		}
	}
}

func TestGetItem(t *testing.T) {
	b := newTestBank(t)

	it, err := b.GetItem(model.PartSpeaking4, 1)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.Topic != "Teamwork" {
		t.Errorf("topic = %q, want Teamwork", it.Topic)
	}
	if it.Prompts[0] != "Tell me about a time when you worked in a team." {
		t.Errorf("unexpected first prompt: %q", it.Prompts[0])
	}

	_, err = b.GetItem(model.PartSpeaking4, 9999)
	if err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows for missing item, got %v", err)
	}
}

func TestIllustratedPartsCarrySeeds(t *testing.T) {
	b := newTestBank(t)

	for _, p := range []model.Part{model.PartSpeaking2, model.PartSpeaking3} {
		items, err := b.ListItems(p)
		if err != nil {
			t.Fatalf("ListItems(%s): %v", p, err)
		}
		for _, it := range items {
			if it.ImageSeed == "" {
				t.Errorf("%s item %d has no image seed", p, it.ID)
			}
		}
	}
}

func TestWritingBanksSlotShapes(t *testing.T) {
	b := newTestBank(t)

	w1, err := b.ListItems(model.PartWriting1)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	for _, it := range w1 {
		if len(it.Prompts) != 5 {
			t.Errorf("writing1 item %d has %d prompts, want 5", it.ID, len(it.Prompts))
		}
	}

	w23, err := b.ListItems(model.PartWriting2And3)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	for _, it := range w23 {
		if len(it.Prompts) != 4 {
			t.Errorf("writing2and3 item %d has %d prompts, want 4", it.ID, len(it.Prompts))
		}
	}

	w4, err := b.ListItems(model.PartWriting4)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	for _, it := range w4 {
		if len(it.Prompts) != 2 {
			t.Errorf("writing4 item %d has %d prompts, want 2", it.ID, len(it.Prompts))
		}
	}
}
