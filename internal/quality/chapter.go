package quality

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrQualityRejected = errors.New("chapter failed quality checks")

const (
	minChapterScore = 0.50
	// Chapters shorter than this share of their target are penalized in
	// proportion to the shortfall.
	minLengthRatio = 0.60
)

type ChapterInput struct {
	Title      string
	Content    string
	TargetSize int
}

type ChapterVerdict struct {
	Content   string
	Words     int
	Score     float64
	Corrected bool
	Issues    []string
}

func (v ChapterVerdict) Accepted() bool {
	return v.Score >= minChapterScore
}

type ChapterValidator struct{}

func NewChapterValidator() *ChapterValidator {
	return &ChapterValidator{}
}

// Validate scores a generated chapter and applies cheap corrections. It
// returns ErrQualityRejected only when nothing usable is left.
func (v *ChapterValidator) Validate(input ChapterInput) (ChapterVerdict, error) {
	paragraphs := splitParagraphs(input.Content)
	if len(paragraphs) == 0 {
		return ChapterVerdict{}, fmt.Errorf("%w: empty chapter", ErrQualityRejected)
	}

	verdict := ChapterVerdict{}
	penalty := 0.0
	seen := make(map[string]struct{}, len(paragraphs))
	kept := make([]string, 0, len(paragraphs))

	for _, paragraph := range paragraphs {
		key := strings.ToLower(normalizeText(paragraph))
		if _, exists := seen[key]; exists {
			verdict.Corrected = true
			penalty += 0.05
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, paragraph)
	}
	if len(kept) < len(paragraphs) {
		verdict.Issues = append(verdict.Issues, "duplicate paragraphs removed")
	}

	last := kept[len(kept)-1]
	if !strings.HasPrefix(strings.TrimSpace(last), "#") && !hasTerminalPunctuation(last) {
		kept[len(kept)-1] = strings.TrimSpace(last) + "."
		verdict.Corrected = true
		verdict.Issues = append(verdict.Issues, "missing terminal punctuation")
	}

	content := strings.Join(kept, "\n\n")
	if strings.Count(content, "```")%2 != 0 {
		content += "\n```"
		verdict.Corrected = true
		penalty += 0.05
		verdict.Issues = append(verdict.Issues, "unclosed code fence")
	}

	words := len(strings.Fields(content))
	if input.TargetSize > 0 {
		ratio := float64(words) / float64(input.TargetSize)
		if ratio < minLengthRatio {
			penalty += (minLengthRatio - ratio) / minLengthRatio
			verdict.Issues = append(verdict.Issues, fmt.Sprintf("too short: %d of %d words", words, input.TargetSize))
		}
	}
	if title := strings.TrimSpace(input.Title); title != "" && words < len(strings.Fields(title))+3 {
		penalty += 0.30
		verdict.Issues = append(verdict.Issues, "chapter body only repeats the title")
	}

	verdict.Content = content
	verdict.Words = words
	verdict.Score = round2(clamp01(1 - penalty))
	return verdict, nil
}

// CountWords counts whitespace separated words.
func CountWords(value string) int {
	return len(strings.Fields(value))
}

func splitParagraphs(value string) []string {
	normalized := strings.ReplaceAll(value, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func hasTerminalPunctuation(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', '"', ')', '`', ':':
		return true
	default:
		return false
	}
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
