package pipeline

import (
	"strings"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

const (
	maxChapters            = 60
	defaultWordsPerChapter = 1500
)

// Input is what a caller submits to start a job.
type Input struct {
	Title       string `json:"title"`
	Brief       string `json:"brief"`
	Audience    string `json:"audience,omitempty"`
	Chapters    int    `json:"chapters"`
	TargetWords int    `json:"target_words,omitempty"`
	Research    bool   `json:"research,omitempty"`
}

// Normalize validates the input and fills defaults.
func (in Input) Normalize() (domain.Requirements, error) {
	const op = "validate input"
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Requirements{}, failure.Validation(op, "title is required")
	}
	if in.Chapters <= 0 {
		return domain.Requirements{}, failure.Validation(op, "chapters must be positive")
	}
	if in.Chapters > maxChapters {
		return domain.Requirements{}, failure.Validation(op, "chapters must be at most %d", maxChapters)
	}
	if in.TargetWords < 0 {
		return domain.Requirements{}, failure.Validation(op, "target_words must not be negative")
	}
	targetWords := in.TargetWords
	if targetWords == 0 {
		targetWords = in.Chapters * defaultWordsPerChapter
	}
	return domain.Requirements{
		Title:       title,
		Brief:       strings.TrimSpace(in.Brief),
		Audience:    strings.TrimSpace(in.Audience),
		Chapters:    in.Chapters,
		TargetWords: targetWords,
		Research:    in.Research,
	}, nil
}
