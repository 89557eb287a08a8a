package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/observability"
)

const (
	defaultModel      = "gpt-4o-mini-2024-07-18"
	DefaultMaxRetries = 5

	GreetingText = "Hello There !! I am FutureFarm Agronomist. How can I help you today?"
	ApologyText  = "Please don't ruin Tristan with a crazy OpenAI and ElevenLabs bill!"
)

// Plan kinds double as the discriminator in beat ids.
const (
	PlanIntro   = "intro"
	PlanAPI     = "api"
	PlanMessage = "message"
)

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// CredentialChecker reports whether the paid providers can be called.
type CredentialChecker interface {
	HasCredentials(ctx context.Context) bool
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Plan is the ordered list of beats for one turn.
type Plan struct {
	Kind  string
	Beats []domain.BeatPlan
}

// Canned reports whether the plan is a fixed reply that must not be
// remembered as a conversation turn.
func (p Plan) Canned() bool {
	return p.Kind != PlanMessage
}

type PlannerConfig struct {
	LLM         LLMClient
	Credentials CredentialChecker
	Model       string
	Persona     string
	// MaxRetries is the number of extra model calls made after a malformed
	// completion. Zero disables retries.
	MaxRetries int
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

type Planner struct {
	llm         LLMClient
	credentials CredentialChecker
	model       string
	persona     string
	maxRetries  int
	logger      *slog.Logger
	metrics     *observability.Metrics
}

func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if cfg.LLM == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("usecase: credential checker must not be nil")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("usecase: max retries must not be negative")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{
		llm:         cfg.LLM,
		credentials: cfg.Credentials,
		model:       model,
		persona:     cfg.Persona,
		maxRetries:  cfg.MaxRetries,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// CannedReply returns the fixed plan for turns that never reach the model:
// an empty message gets the greeting, missing credentials get the apology.
func (p *Planner) CannedReply(ctx context.Context, text string) (Plan, bool) {
	if strings.TrimSpace(text) == "" {
		return Plan{Kind: PlanIntro, Beats: []domain.BeatPlan{{
			Text:             GreetingText,
			FacialExpression: domain.ExpressionSmile,
			Animation:        domain.AnimationTalking1,
		}}}, true
	}
	if !p.credentials.HasCredentials(ctx) {
		return Plan{Kind: PlanAPI, Beats: []domain.BeatPlan{{
			Text:             ApologyText,
			FacialExpression: domain.ExpressionAngry,
			Animation:        domain.AnimationAngry,
		}}}, true
	}
	return Plan{}, false
}

// Plan returns the canned reply when one applies and otherwise asks the
// model through ModelPlan.
func (p *Planner) Plan(ctx context.Context, text string, history []domain.ConversationEntry) (Plan, error) {
	if canned, ok := p.CannedReply(ctx, text); ok {
		return canned, nil
	}
	return p.ModelPlan(ctx, text, history)
}

// ModelPlan asks the model for the beats answering text, without checking
// for a canned reply first. A malformed completion triggers a fresh model
// call, at most MaxRetries times; a failed call is not retried.
func (p *Planner) ModelPlan(ctx context.Context, text string, history []domain.ConversationEntry) (Plan, error) {
	messages := buildPromptMessages(p.persona, history, strings.TrimSpace(text))
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		raw, err := p.llm.Chat(ctx, p.model, messages)
		if err != nil {
			p.metrics.ObservePlanAttempt("error")
			return Plan{}, p.modelCallError(err)
		}
		beats, err := parsePlan(raw)
		if err == nil {
			p.metrics.ObservePlanAttempt("ok")
			return Plan{Kind: PlanMessage, Beats: p.normalize(beats)}, nil
		}
		p.metrics.ObservePlanAttempt("malformed")
		p.logger.Warn("malformed plan from model",
			"attempt", attempt+1,
			"max_attempts", p.maxRetries+1,
			"err", err,
		)
		lastErr = err
	}
	return Plan{}, newError(ErrorModel, "malformed_output", lastErr)
}

func (p *Planner) normalize(beats []domain.BeatPlan) []domain.BeatPlan {
	if len(beats) > domain.MaxBeatsPerTurn {
		p.logger.Warn("plan truncated", "beats", len(beats), "kept", domain.MaxBeatsPerTurn)
		beats = beats[:domain.MaxBeatsPerTurn]
	}
	out := make([]domain.BeatPlan, 0, len(beats))
	for i, b := range beats {
		nb, changed := normalizeBeat(b)
		if changed {
			p.logger.Warn("unknown avatar tags replaced",
				"beat", i,
				"facial_expression", b.FacialExpression,
				"animation", b.Animation,
			)
		}
		out = append(out, nb)
	}
	return out
}

func (p *Planner) modelCallError(err error) *Error {
	if status, ok := upstreamStatusCode(err); ok {
		p.metrics.ObserveProviderError("openai", strconv.Itoa(status))
		if status == 429 {
			return newError(ErrorRateLimited, "model_rate_limited", err)
		}
	} else {
		p.metrics.ObserveProviderError("openai", "transport")
	}
	return newError(ErrorModel, "model_unavailable", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
