// Package bank is the read-only item bank. Bank content ships as
// embedded JSON files, one per test part, and is loaded into an
// in-memory sqlite database at startup. Nothing writes to the bank
// after seeding; session state never touches disk.
package bank

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haiminh-dev/aptis-trainer/internal/model"

	_ "modernc.org/sqlite"
)

//go:embed banks/*.json
var bankFS embed.FS

// Bank serves practice items grouped by test part.
type Bank struct {
	db *sql.DB
}

type itemImport struct {
	ID        int64    `json:"id"`
	Topic     string   `json:"topic"`
	ImageSeed string   `json:"image_seed"`
	Prompts   []string `json:"prompts"`
}

// bankFiles maps each part to its embedded content file.
var bankFiles = map[model.Part]string{
	model.PartSpeaking1:    "banks/speaking_part1.json",
	model.PartSpeaking2:    "banks/speaking_part2.json",
	model.PartSpeaking3:    "banks/speaking_part3.json",
	model.PartSpeaking4:    "banks/speaking_part4.json",
	model.PartWriting1:     "banks/writing_part1.json",
	model.PartWriting2And3: "banks/writing_part2_3.json",
	model.PartWriting4:     "banks/writing_part4.json",
}

// Open creates the in-memory bank and seeds it from the embedded files.
func Open() (*Bank, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open bank database: %w", err)
	}
	// The in-memory database lives and dies with this single handle.
	db.SetMaxOpenConns(1)

	b := &Bank{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate bank: %w", err)
	}
	if err := b.seed(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed bank: %w", err)
	}
	return b, nil
}

func (b *Bank) Close() error {
	return b.db.Close()
}

func (b *Bank) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		part TEXT NOT NULL,
		id INTEGER NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		image_seed TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (part, id)
	);

	CREATE TABLE IF NOT EXISTS item_prompts (
		part TEXT NOT NULL,
		item_id INTEGER NOT NULL,
		ord INTEGER NOT NULL,
		text TEXT NOT NULL,
		PRIMARY KEY (part, item_id, ord),
		FOREIGN KEY (part, item_id) REFERENCES items(part, id)
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *Bank) seed() error {
	for part, path := range bankFiles {
		data, err := bankFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var items []itemImport
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, it := range items {
			if it.ID <= 0 {
				return fmt.Errorf("%s: item id must be positive, got %d", path, it.ID)
			}
			if len(it.Prompts) == 0 {
				return fmt.Errorf("%s: item %d has no prompts", path, it.ID)
			}
			if _, err := b.db.Exec(
				`INSERT INTO items (part, id, topic, image_seed) VALUES (?, ?, ?, ?)`,
				string(part), it.ID, it.Topic, it.ImageSeed,
			); err != nil {
				return fmt.Errorf("insert item %d from %s: %w", it.ID, path, err)
			}
			for ord, text := range it.Prompts {
				if _, err := b.db.Exec(
					`INSERT INTO item_prompts (part, item_id, ord, text) VALUES (?, ?, ?, ?)`,
					string(part), it.ID, ord, text,
				); err != nil {
					return fmt.Errorf("insert prompt for item %d from %s: %w", it.ID, path, err)
				}
			}
		}
		slog.Info("seeded item bank", "part", part, "count", len(items))
	}
	return nil
}

// ListItems returns all items for a part, ordered by id.
func (b *Bank) ListItems(part model.Part) ([]model.PracticeItem, error) {
	rows, err := b.db.Query(
		`SELECT id, topic, image_seed FROM items WHERE part = ? ORDER BY id`,
		string(part),
	)
	if err != nil {
		return nil, fmt.Errorf("list items for %s: %w", part, err)
	}
	defer rows.Close()

	var items []model.PracticeItem
	for rows.Next() {
		it := model.PracticeItem{Part: part}
		if err := rows.Scan(&it.ID, &it.Topic, &it.ImageSeed); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range items {
		prompts, err := b.prompts(part, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Prompts = prompts
	}
	return items, nil
}

// GetItem returns one item by part and id.
func (b *Bank) GetItem(part model.Part, id int64) (model.PracticeItem, error) {
	it := model.PracticeItem{Part: part}
	err := b.db.QueryRow(
		`SELECT id, topic, image_seed FROM items WHERE part = ? AND id = ?`,
		string(part), id,
	).Scan(&it.ID, &it.Topic, &it.ImageSeed)
	if err != nil {
		return model.PracticeItem{}, err
	}
	it.Prompts, err = b.prompts(part, id)
	if err != nil {
		return model.PracticeItem{}, err
	}
	return it, nil
}

func (b *Bank) prompts(part model.Part, itemID int64) ([]string, error) {
	rows, err := b.db.Query(
		`SELECT text FROM item_prompts WHERE part = ? AND item_id = ? ORDER BY ord`,
		string(part), itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("prompts for item %d: %w", itemID, err)
	}
	defer rows.Close()

	var prompts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		prompts = append(prompts, text)
	}
	return prompts, rows.Err()
}

// Count returns the number of items in a part's bank.
func (b *Bank) Count(part model.Part) (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM items WHERE part = ?`, string(part)).Scan(&n)
	return n, err
}
