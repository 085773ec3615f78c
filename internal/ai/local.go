package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/failure"
)

const localModelID = "local/deterministic"

// LocalSynthesizer produces deterministic placeholder content. It backs the
// content_synthesis capability when no provider key is configured so the
// whole pipeline can run offline.
type LocalSynthesizer struct{}

func NewLocalSynthesizer() *LocalSynthesizer {
	return &LocalSynthesizer{}
}

func (s *LocalSynthesizer) Capability() capability.Func {
	return func(ctx context.Context, params capability.Params) (any, error) {
		request, err := capability.RequestFrom[capability.SynthesisRequest](params)
		if err != nil {
			return nil, err
		}
		return s.Synthesize(ctx, request)
	}
}

func (s *LocalSynthesizer) Synthesize(ctx context.Context, request capability.SynthesisRequest) (capability.SynthesisResult, error) {
	if err := ctx.Err(); err != nil {
		return capability.SynthesisResult{}, failure.FromContext("local synthesize", err)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return capability.SynthesisResult{}, failure.Validation("local synthesize", "title is required")
	}

	switch request.Task {
	case capability.TaskPlan:
		text := fmt.Sprintf(
			"%s is written for a general audience. It opens with the context of %s, develops the central argument across the middle chapters and closes with practical conclusions.",
			title, lowerFirst(firstSentence(request.Brief, title)),
		)
		return capability.SynthesisResult{Text: text, ModelID: localModelID}, nil
	case capability.TaskOutline:
		data, err := json.Marshal(map[string]any{"chapters": localOutline(title, request.Count)})
		if err != nil {
			return capability.SynthesisResult{}, failure.Permanent("local synthesize", err)
		}
		return capability.SynthesisResult{Text: string(data), Data: data, ModelID: localModelID}, nil
	case capability.TaskChapter:
		return capability.SynthesisResult{Text: localChapter(title, request.Brief, request.TargetWords), ModelID: localModelID}, nil
	case capability.TaskConsistencyReview:
		data := json.RawMessage(`{"issues":[]}`)
		return capability.SynthesisResult{Text: string(data), Data: data, ModelID: localModelID}, nil
	case capability.TaskQualityReview:
		data := json.RawMessage(`{"score":0.8,"notes":[]}`)
		return capability.SynthesisResult{Text: string(data), Data: data, ModelID: localModelID}, nil
	default:
		return capability.SynthesisResult{}, failure.Validation("local synthesize", "unsupported task %q", request.Task)
	}
}

type localOutlineChapter struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	DependsOn []int  `json:"depends_on"`
}

// localOutline frames the body chapters with an introduction they all build
// on and a conclusion that builds on all of them.
func localOutline(title string, count int) []localOutlineChapter {
	if count <= 0 {
		count = 3
	}
	chapters := make([]localOutlineChapter, 0, count)
	for number := 1; number <= count; number++ {
		chapter := localOutlineChapter{Number: number, DependsOn: []int{}}
		switch {
		case number == 1:
			chapter.Title = "Introduction"
			chapter.Summary = fmt.Sprintf("Why %s matters.", title)
		case number == count:
			chapter.Title = "Conclusion"
			chapter.Summary = fmt.Sprintf("What %s leaves the reader with.", title)
			for dep := 2; dep < count; dep++ {
				chapter.DependsOn = append(chapter.DependsOn, dep)
			}
			if len(chapter.DependsOn) == 0 {
				chapter.DependsOn = append(chapter.DependsOn, 1)
			}
		default:
			chapter.Title = fmt.Sprintf("Part %d", number-1)
			chapter.Summary = fmt.Sprintf("Aspect %d of %s.", number-1, title)
			chapter.DependsOn = append(chapter.DependsOn, 1)
		}
		chapters = append(chapters, chapter)
	}
	return chapters
}

func localChapter(title, brief string, targetWords int) string {
	if targetWords <= 0 {
		targetWords = 300
	}
	topic := lowerFirst(firstSentence(brief, title))
	paragraphs := make([]string, 0)
	words := 0
	for index := 1; words < targetWords; index++ {
		paragraph := fmt.Sprintf(
			"Section %d of %s looks at %s from another angle. It builds on the previous section and adds one more concrete observation for the reader to carry forward.",
			index, title, topic,
		)
		paragraphs = append(paragraphs, paragraph)
		words += len(strings.Fields(paragraph))
	}
	return strings.Join(paragraphs, "\n\n")
}

func firstSentence(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	if index := strings.IndexAny(trimmed, ".!?"); index > 0 {
		trimmed = trimmed[:index]
	}
	return trimmed
}

func lowerFirst(value string) string {
	if value == "" {
		return value
	}
	return strings.ToLower(value[:1]) + value[1:]
}
