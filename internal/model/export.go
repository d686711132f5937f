package model

import "time"

// SessionExport is the top-level JSON structure for practice result export.
type SessionExport struct {
	SessionID  string         `json:"session_id"`
	Part       Part           `json:"part"`
	Lang       string         `json:"lang"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Summary    ExportSummary  `json:"summary"`
	Results    []ExportResult `json:"results"`
}

// ExportSummary aggregates a session's reviewed items.
type ExportSummary struct {
	Items     int     `json:"items"`
	MeanScore float64 `json:"mean_score"`
}

// ExportResult is one reviewed item flattened for serialization. The
// shell renders this as CSV columns Question, Score, CEFR Level, Feedback.
type ExportResult struct {
	ItemID   int64              `json:"item_id"`
	Topic    string             `json:"topic,omitempty"`
	Prompts  []string           `json:"prompts"`
	Answers  []string           `json:"answers,omitempty"`
	Results  []EvaluationResult `json:"results"`
	Attempt  int                `json:"attempt"`
	Reviewed time.Time          `json:"reviewed_at"`
}

// ExportView flattens a results list into the export structure. The
// caller owns formatting; the session machine only exposes the data.
func ExportView(id string, part Part, lang string, started time.Time, finished *time.Time, results []SessionResult) SessionExport {
	out := SessionExport{
		SessionID:  id,
		Part:       part,
		Lang:       lang,
		StartedAt:  started,
		FinishedAt: finished,
	}
	var total float64
	var scored int
	for _, r := range results {
		er := ExportResult{
			ItemID:   r.Item.ID,
			Topic:    r.Item.Topic,
			Prompts:  r.Item.Prompts,
			Results:  r.Results,
			Attempt:  r.Attempt,
			Reviewed: r.ReviewedAt,
		}
		for _, a := range r.Artifacts {
			if a.Kind == ArtifactText {
				er.Answers = append(er.Answers, a.Texts...)
			}
		}
		for _, ev := range r.Results {
			total += ev.Score
			scored++
		}
		out.Results = append(out.Results, er)
	}
	out.Summary.Items = len(results)
	if scored > 0 {
		out.Summary.MeanScore = total / float64(scored)
	}
	return out
}
