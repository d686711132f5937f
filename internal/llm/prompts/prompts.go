// Package prompts builds the examiner instructions sent to the scoring
// service. One builder per feedback shape; the wording mirrors the
// official APTIS criteria for each part.
package prompts

import (
	"fmt"
	"strings"

	"github.com/haiminh-dev/aptis-trainer/internal/model"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
)

// FeedbackLanguage is the language the service writes feedback in.
type FeedbackLanguage string

const (
	FeedbackVietnamese FeedbackLanguage = "vietnamese"
	FeedbackEnglish    FeedbackLanguage = "english"
)

// IsValidLanguage reports whether the flag value names a supported
// feedback language.
func IsValidLanguage(s string) bool {
	switch FeedbackLanguage(strings.ToLower(s)) {
	case FeedbackVietnamese, FeedbackEnglish:
		return true
	}
	return false
}

func (l FeedbackLanguage) instruction() string {
	if l == FeedbackEnglish {
		return "ENGLISH"
	}
	return "VIETNAMESE"
}

// BuildSpeaking builds the evaluation prompt for a spoken response.
// The audio clips are attached separately; this text names the prompts
// they answer, in order.
func BuildSpeaking(p profile.PartProfile, item model.PracticeItem, lang FeedbackLanguage) string {
	var sb strings.Builder
	sb.WriteString("You are an expert English examiner for the official APTIS test. ")
	if len(item.Prompts) == 1 {
		sb.WriteString("A student has provided an audio response to the question: ")
		sb.WriteString(fmt.Sprintf("%q.\n\n", item.Prompts[0]))
	} else {
		sb.WriteString("A student has provided one audio response per question")
		if item.Topic != "" {
			sb.WriteString(fmt.Sprintf(" on the topic %q", item.Topic))
		}
		sb.WriteString(". The questions were:\n")
		for i, q := range item.Prompts {
			sb.WriteString(fmt.Sprintf("%d. %q (corresponds to audio part %d)\n", i+1, q, i+1))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Analyze the spoken audio. Provide a detailed, constructive evaluation in ")
	sb.WriteString(lang.instruction())
	sb.WriteString(" ONLY, specific to the audio provided, not a generic template.\n\n")
	sb.WriteString("Your evaluation must cover these five official APTIS criteria:\n")
	sb.WriteString("1. Task completion / topic relevance: did the student answer directly and fully?\n")
	sb.WriteString("2. Grammar and accuracy: mention specific correct usages and noticeable errors.\n")
	sb.WriteString("3. Vocabulary range and appropriateness: varied or repetitive? name good phrases.\n")
	sb.WriteString("4. Pronunciation: intonation, clarity, specific words done well or poorly.\n")
	sb.WriteString("5. Fluency and cohesion: hesitations, pauses, fillers, linking of ideas.\n\n")
	sb.WriteString(fmt.Sprintf(
		"Based on this analysis, give a single numerical score (an integer from 0 to %d) and an overall CEFR level (e.g., A2.1, B1.2, B2).\n\n",
		p.ScaleMax))
	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(fmt.Sprintf(`{"feedback": "<feedback in %s>", "score": <0-%d>, "cefr": "<level>"}`,
		lang.instruction(), p.ScaleMax))
	sb.WriteString("\nThe feedback should be encouraging but precise enough to help the student improve.\n")
	return sb.String()
}

// BuildWriting builds the evaluation prompt for a single-result writing
// part. Answers are passed inline; slot i answers prompt i.
func BuildWriting(p profile.PartProfile, item model.PracticeItem, answers []string, lang FeedbackLanguage) string {
	var sb strings.Builder
	sb.WriteString("You are an expert English examiner for the official APTIS test. ")
	sb.WriteString(fmt.Sprintf("A student has submitted %d short written answers.\n\n", len(item.Prompts)))
	writeQA(&sb, item.Prompts, answers)

	sb.WriteString("\nEvaluate all answers together against the official APTIS Writing criteria ")
	sb.WriteString("and provide one overall score plus detailed, constructive feedback in ")
	sb.WriteString(lang.instruction())
	sb.WriteString(".\n\n")
	writeCriteriaContract(&sb, p, nil, lang)
	return sb.String()
}

// BuildSplitWriting builds the evaluation prompt for parts scored as
// two independent sub-results (writing 2&3, writing 4). slotSplit gives
// the number of leading slots belonging to the first label.
func BuildSplitWriting(p profile.PartProfile, item model.PracticeItem, answers []string, slotSplit int, lang FeedbackLanguage) string {
	var sb strings.Builder
	sb.WriteString("You are an expert English examiner for the official APTIS test. ")
	sb.WriteString("A student has submitted answers for two separately scored sub-parts.\n\n")

	first, second := splitPair(item.Prompts, slotSplit)
	firstA, secondA := splitPair(answers, slotSplit)

	sb.WriteString(fmt.Sprintf("**Sub-part %q:**\n", p.Split[0]))
	writeQA(&sb, first, firstA)
	sb.WriteString(fmt.Sprintf("\n**Sub-part %q:**\n", p.Split[1]))
	writeQA(&sb, second, secondA)

	sb.WriteString("\nEvaluate each sub-part separately against the official APTIS Writing criteria, ")
	sb.WriteString("with a score and detailed, constructive feedback in ")
	sb.WriteString(lang.instruction())
	sb.WriteString(" for each.\n\n")
	writeCriteriaContract(&sb, p, p.Split, lang)
	return sb.String()
}

func splitPair[T any](s []T, n int) ([]T, []T) {
	if n < 0 {
		n = 0
	}
	if n > len(s) {
		n = len(s)
	}
	return s[:n], s[n:]
}

func writeQA(sb *strings.Builder, prompts, answers []string) {
	for i, q := range prompts {
		answer := "(no answer)"
		if i < len(answers) && answers[i] != "" {
			answer = answers[i]
		}
		sb.WriteString(fmt.Sprintf("%d. Question: %q -> Answer: %q\n", i+1, q, answer))
	}
}

// writeCriteriaContract writes the scoring rubric and the exact JSON
// shape the service must return. labels is nil for single-result parts.
func writeCriteriaContract(sb *strings.Builder, p profile.PartProfile, labels []string, lang FeedbackLanguage) {
	sb.WriteString("Cover these criteria, each as its own feedback field:\n")
	for i, c := range p.Criteria {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, c))
	}
	sb.WriteString(fmt.Sprintf("\nScoring scale: 0 to %d.\n", p.ScaleMax))
	if len(p.CEFRScale) > 0 {
		sb.WriteString("Score bands: ")
		for band := 0; band <= p.ScaleMax; band++ {
			if label, ok := p.CEFRScale[band]; ok {
				sb.WriteString(fmt.Sprintf("%d=%s ", band, label))
			}
		}
		sb.WriteString("\n")
	}

	inner := fmt.Sprintf(`{"score": <0-%d>, "feedback": {%s}}`, p.ScaleMax, criteriaFields(p.Criteria, lang))
	sb.WriteString("\nRespond ONLY with a JSON object:\n")
	if len(labels) == 0 {
		sb.WriteString(inner)
	} else {
		var outer []string
		for _, l := range labels {
			outer = append(outer, fmt.Sprintf("%q: %s", l, inner))
		}
		sb.WriteString("{" + strings.Join(outer, ", ") + "}")
	}
	sb.WriteString("\nEvery feedback field is required. The feedback should be encouraging but precise enough to help the student improve.\n")
}

func criteriaFields(criteria []string, lang FeedbackLanguage) string {
	parts := make([]string, len(criteria))
	for i, c := range criteria {
		parts[i] = fmt.Sprintf(`%q: "<feedback in %s>"`, c, lang.instruction())
	}
	return strings.Join(parts, ", ")
}
