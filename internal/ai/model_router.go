package ai

import (
	"strings"

	"github.com/iago/longform/internal/capability"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
	JSONOutput      bool
}

type ModelRouterConfig struct {
	PlanningPrimary  string
	PlanningFallback string

	ChapterPrimary  string
	ChapterFallback string

	ReviewPrimary  string
	ReviewFallback string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.PlanningPrimary) == "" {
		config.PlanningPrimary = "openai/gpt-4.1"
	}
	if strings.TrimSpace(config.PlanningFallback) == "" {
		config.PlanningFallback = "openai/gpt-4.1-mini"
	}
	if strings.TrimSpace(config.ChapterPrimary) == "" {
		config.ChapterPrimary = "openai/gpt-4.1-mini"
	}
	if strings.TrimSpace(config.ChapterFallback) == "" {
		config.ChapterFallback = "openai/gpt-4.1-nano"
	}
	if strings.TrimSpace(config.ReviewPrimary) == "" {
		config.ReviewPrimary = "openai/gpt-4.1-mini"
	}
	if strings.TrimSpace(config.ReviewFallback) == "" {
		config.ReviewFallback = "openai/gpt-4.1-nano"
	}

	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task capability.SynthesisTask) ModelProfile {
	switch task {
	case capability.TaskPlan:
		return ModelProfile{
			PrimaryModel:    r.config.PlanningPrimary,
			FallbackModel:   r.config.PlanningFallback,
			Temperature:     0.4,
			MaxOutputTokens: 1200,
		}
	case capability.TaskOutline:
		return ModelProfile{
			PrimaryModel:    r.config.PlanningPrimary,
			FallbackModel:   r.config.PlanningFallback,
			Temperature:     0.3,
			MaxOutputTokens: 1600,
			JSONOutput:      true,
		}
	case capability.TaskChapter:
		return ModelProfile{
			PrimaryModel:    r.config.ChapterPrimary,
			FallbackModel:   r.config.ChapterFallback,
			Temperature:     0.7,
			MaxOutputTokens: 4000,
		}
	case capability.TaskConsistencyReview, capability.TaskQualityReview:
		return ModelProfile{
			PrimaryModel:    r.config.ReviewPrimary,
			FallbackModel:   r.config.ReviewFallback,
			Temperature:     0.1,
			MaxOutputTokens: 1000,
			JSONOutput:      true,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.ChapterPrimary,
			FallbackModel:   r.config.ChapterFallback,
			Temperature:     0.3,
			MaxOutputTokens: 1000,
		}
	}
}
