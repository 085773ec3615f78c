package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/failure"
)

// Synthesizer turns structured synthesis requests into provider calls. The
// fallback model is tried once when the primary fails for a reason other
// than bad input or cancellation.
type Synthesizer struct {
	generator TextGenerator
	router    *ModelRouter
	logger    *log.Logger
}

func NewSynthesizer(generator TextGenerator, router *ModelRouter, logger *log.Logger) *Synthesizer {
	if router == nil {
		router = NewModelRouter(ModelRouterConfig{})
	}
	return &Synthesizer{generator: generator, router: router, logger: logger}
}

// Capability adapts the synthesizer to the content_synthesis capability.
func (s *Synthesizer) Capability() capability.Func {
	return func(ctx context.Context, params capability.Params) (any, error) {
		request, err := capability.RequestFrom[capability.SynthesisRequest](params)
		if err != nil {
			return nil, err
		}
		return s.Synthesize(ctx, request)
	}
}

func (s *Synthesizer) Synthesize(ctx context.Context, request capability.SynthesisRequest) (capability.SynthesisResult, error) {
	if strings.TrimSpace(request.Title) == "" {
		return capability.SynthesisResult{}, failure.Validation("synthesize "+string(request.Task), "title is required")
	}
	profile := s.router.Select(request.Task)
	generateRequest := GenerateRequest{
		Instructions:    instructionsFor(request),
		Input:           inputFor(request),
		Temperature:     profile.Temperature,
		MaxOutputTokens: maxTokens(profile, request),
		JSONOutput:      profile.JSONOutput,
	}

	generateRequest.Model = profile.PrimaryModel
	result, err := s.generator.Generate(ctx, generateRequest)
	if err != nil && shouldFallback(err) && profile.FallbackModel != "" && profile.FallbackModel != profile.PrimaryModel {
		s.logf("synthesis fallback task=%s primary=%s fallback=%s err=%v", request.Task, profile.PrimaryModel, profile.FallbackModel, err)
		generateRequest.Model = profile.FallbackModel
		result, err = s.generator.Generate(ctx, generateRequest)
	}
	if err != nil {
		return capability.SynthesisResult{}, err
	}

	out := capability.SynthesisResult{Text: strings.TrimSpace(result.Text), ModelID: result.ModelID}
	if profile.JSONOutput {
		if data, ok := extractJSONObject(out.Text); ok {
			out.Data = data
		}
	}
	s.logf("synthesis done task=%s model=%s tokens=%d", request.Task, result.ModelID, result.Usage.TotalTokens)
	return out, nil
}

func shouldFallback(err error) bool {
	switch failure.KindOf(err) {
	case failure.KindValidation, failure.KindCanceled:
		return false
	default:
		return true
	}
}

func maxTokens(profile ModelProfile, request capability.SynthesisRequest) int {
	// Roughly 1.4 tokens per English word plus headroom for headings.
	if request.Task == capability.TaskChapter && request.TargetWords > 0 {
		needed := request.TargetWords*14/10 + 200
		if needed > profile.MaxOutputTokens {
			return needed
		}
	}
	return profile.MaxOutputTokens
}

func instructionsFor(request capability.SynthesisRequest) string {
	switch request.Task {
	case capability.TaskPlan:
		return "You plan long-form documents. Describe the thesis, audience, tone and the arc of the document in a few short paragraphs."
	case capability.TaskOutline:
		return fmt.Sprintf(
			"Return JSON only with the shape {\"chapters\":[{\"number\":1,\"title\":\"\",\"summary\":\"\",\"depends_on\":[]}]}. "+
				"Produce exactly %d chapters numbered from 1. depends_on lists earlier chapter numbers a chapter builds on; keep it empty when a chapter stands alone.",
			request.Count,
		)
	case capability.TaskChapter:
		return fmt.Sprintf(
			"Write one chapter in Markdown prose of about %d words. Do not repeat the chapter title as a heading and do not summarize other chapters.",
			request.TargetWords,
		)
	case capability.TaskConsistencyReview:
		return "Review the chapters for contradictions, repeated material and terminology drift. Return JSON only: {\"issues\":[{\"unit_id\":1,\"note\":\"\"}]}."
	case capability.TaskQualityReview:
		return "Rate the document from 0 to 1 for clarity, structure and coverage of the brief. Return JSON only: {\"score\":0.0,\"notes\":[\"\"]}."
	default:
		return ""
	}
}

func inputFor(request capability.SynthesisRequest) string {
	var builder strings.Builder
	builder.WriteString("Title: ")
	builder.WriteString(strings.TrimSpace(request.Title))
	if brief := strings.TrimSpace(request.Brief); brief != "" {
		builder.WriteString("\nBrief: ")
		builder.WriteString(brief)
	}
	if request.TargetWords > 0 {
		fmt.Fprintf(&builder, "\nTarget words: %d", request.TargetWords)
	}
	for _, item := range request.Context {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			builder.WriteString("\n\n")
			builder.WriteString(trimmed)
		}
	}
	return builder.String()
}

// extractJSONObject tolerates models that wrap JSON in prose or code fences.
func extractJSONObject(text string) (json.RawMessage, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	candidate := []byte(text[start : end+1])
	if !json.Valid(candidate) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

func (s *Synthesizer) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
