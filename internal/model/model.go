package model

import "time"

// Section groups test parts into Speaking and Writing.
type Section string

const (
	SectionSpeaking Section = "speaking"
	SectionWriting  Section = "writing"
)

// Part identifies one test part. Part values double as bank keys and
// profile keys.
type Part string

const (
	PartSpeaking1    Part = "speaking1"
	PartSpeaking2    Part = "speaking2"
	PartSpeaking3    Part = "speaking3"
	PartSpeaking4    Part = "speaking4"
	PartWriting1     Part = "writing1"
	PartWriting2And3 Part = "writing2and3"
	PartWriting4     Part = "writing4"
	PartWritingFull  Part = "writingfull"
)

// SessionState is the practice session lifecycle tag. Exactly one value
// is active at any time; transitions are the only mutator.
type SessionState string

const (
	StateSelecting  SessionState = "selecting"
	StatePreparing  SessionState = "preparing"
	StatePracticing SessionState = "practicing"
	StateEvaluating SessionState = "evaluating"
	StateReviewing  SessionState = "reviewing"
	StateFinished   SessionState = "finished"
)

// StateReason annotates a state transition for event consumers.
type StateReason string

const (
	ReasonSessionStarted    StateReason = "session_started"
	ReasonCaptureStarted    StateReason = "capture_started"
	ReasonCaptureStopped    StateReason = "capture_stopped"
	ReasonCaptureExpired    StateReason = "capture_expired"
	ReasonNextSubQuestion   StateReason = "next_sub_question"
	ReasonEvaluationSettled StateReason = "evaluation_settled"
	ReasonRetry             StateReason = "retry"
	ReasonAdvance           StateReason = "advance"
	ReasonRestart           StateReason = "restart"
	ReasonPrepFinished      StateReason = "prep_finished"
)

// PracticeItem is one question or topic unit drawn from the item bank.
// Speaking parts 2-4 carry multiple prompts per item. Immutable.
type PracticeItem struct {
	ID        int64    `json:"id"`
	Part      Part     `json:"part"`
	Topic     string   `json:"topic,omitempty"`
	Prompts   []string `json:"prompts"`
	ImageSeed string   `json:"image_seed,omitempty"`
}

// ArtifactKind distinguishes recorded audio from written text.
type ArtifactKind string

const (
	ArtifactAudio ArtifactKind = "audio"
	ArtifactText  ArtifactKind = "text"
)

// Artifact is one captured user response: an audio clip or a set of
// text slots (one per prompt field on the writing forms).
type Artifact struct {
	Kind       ArtifactKind `json:"kind"`
	Audio      []byte       `json:"-"`
	AudioRef   string       `json:"audio_ref,omitempty"`
	Texts      []string     `json:"texts,omitempty"`
	CapturedAt time.Time    `json:"captured_at"`
}

// Empty reports whether the artifact carries no usable payload. Empty
// artifacts are still submitted for evaluation; the score is the
// service's call, not a local rejection.
func (a Artifact) Empty() bool {
	if a.Kind == ArtifactAudio {
		return len(a.Audio) == 0
	}
	for _, t := range a.Texts {
		if t != "" {
			return false
		}
	}
	return true
}

// Feedback is the evaluator's commentary. Speaking parts return a
// single summary string; writing parts return named criteria keyed by
// the profile's criteria list.
type Feedback struct {
	Summary  string            `json:"summary,omitempty"`
	Criteria map[string]string `json:"criteria,omitempty"`
}

// EvaluationResult is one scored outcome. Writing parts 2&3 and 4
// produce two labeled results per submission round; everything else
// produces one with an empty label.
type EvaluationResult struct {
	Label    string   `json:"label,omitempty"`
	Score    float64  `json:"score"`
	Level    string   `json:"level"`
	Feedback Feedback `json:"feedback"`
	Fallback bool     `json:"fallback,omitempty"`
}

// SessionResult ties one fully reviewed item to its artifacts and
// evaluation outcome. Appended in completion order.
type SessionResult struct {
	Item       PracticeItem       `json:"item"`
	Artifacts  []Artifact         `json:"artifacts"`
	Results    []EvaluationResult `json:"results"`
	Attempt    int                `json:"attempt"`
	ReviewedAt time.Time          `json:"reviewed_at"`
}

// Illustration is a generated topic image (or its placeholder) for the
// multi-topic speaking parts.
type Illustration struct {
	Seed        string `json:"seed"`
	B64Data     string `json:"b64_data,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
	// Label is the localized caption shown in place of a missing image.
	Label string `json:"label,omitempty"`
}
