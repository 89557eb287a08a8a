package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/observability"
	"avatar-agent/internal/render"
)

const defaultMaxMessageLen = 2000

// ReplyPlanner decides the beats of a turn. Chat resolves canned replies
// once, before taking the user lock, and only then asks for a model plan.
type ReplyPlanner interface {
	CannedReply(ctx context.Context, text string) (Plan, bool)
	ModelPlan(ctx context.Context, text string, history []domain.ConversationEntry) (Plan, error)
}

type BeatRenderer interface {
	Render(ctx context.Context, plan domain.BeatPlan, beatID string) (domain.RenderedBeat, error)
}

// HistoryStore keeps the bounded conversation of each user. AppendTurn adds
// one user/assistant pair and drops the oldest pairs beyond the cap.
type HistoryStore interface {
	History(ctx context.Context, userID string) ([]domain.ConversationEntry, error)
	AppendTurn(ctx context.Context, userID, userText, reply string) error
}

// EmitFunc receives each beat as soon as it is rendered. Returning an error
// aborts the turn.
type EmitFunc func(domain.RenderedBeat) error

type ChatInput struct {
	Message string
	UserID  string
}

type ChatOutput struct {
	UserID string
	TurnID string
	Canned bool
	Beats  []domain.RenderedBeat
}

type turnPhase string

const (
	phasePlanning   turnPhase = "planning"
	phaseRendering  turnPhase = "rendering"
	phaseCommitting turnPhase = "committing"
	phaseDone       turnPhase = "done"
)

type ChatConfig struct {
	Planner       ReplyPlanner
	Renderer      BeatRenderer
	Store         HistoryStore
	MaxMessageLen int
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

type ChatService struct {
	planner       ReplyPlanner
	renderer      BeatRenderer
	store         HistoryStore
	maxMessageLen int
	locks         *keyedMutex
	logger        *slog.Logger
	metrics       *observability.Metrics
}

func NewChatService(cfg ChatConfig) (*ChatService, error) {
	if cfg.Planner == nil {
		return nil, errors.New("usecase: planner must not be nil")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("usecase: renderer must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChatService{
		planner:       cfg.Planner,
		renderer:      cfg.Renderer,
		store:         cfg.Store,
		maxMessageLen: cfg.MaxMessageLen,
		locks:         newKeyedMutex(),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Chat runs one turn: plan, render every beat in order while handing each to
// emit, then remember the exchange. History changes only when every beat was
// rendered and delivered; beats already emitted before a failure stay
// delivered. emit may be nil when the caller only wants the buffered output.
func (s *ChatService) Chat(ctx context.Context, in ChatInput, emit EmitFunc) (ChatOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		userID = domain.DefaultUserID
	}
	text := strings.TrimSpace(in.Message)
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	turnID := newUUID()
	out := ChatOutput{UserID: userID, TurnID: turnID}
	log := s.logger.With("user_id", userID, "turn_id", turnID)
	start := time.Now()
	phase := phasePlanning

	abort := func(err *Error) (ChatOutput, error) {
		s.metrics.ObserveTurn("aborted")
		log.Error("turn aborted",
			"phase", string(phase),
			"code", string(err.Code),
			"reason", err.Reason,
			"beats_delivered", len(out.Beats),
			"err", err.Err,
		)
		return out, err
	}

	plan, canned := s.planner.CannedReply(ctx, text)
	if !canned {
		unlock, err := s.locks.Lock(ctx, userID)
		if err != nil {
			return abort(newError(ErrorInternal, "turn_cancelled", err))
		}
		defer unlock()

		history, err := s.store.History(ctx, userID)
		if err != nil {
			return abort(newError(ErrorStore, "history_read_error", err))
		}
		plan, err = s.planner.ModelPlan(ctx, text, history)
		if err != nil {
			return abort(asUsecaseError(err, ErrorModel, "plan_error"))
		}
	}
	out.Canned = plan.Canned()

	phase = phaseRendering
	for i, bp := range plan.Beats {
		beatID := fmt.Sprintf("%s_%s_%d", turnID, plan.Kind, i)
		beat, err := s.renderer.Render(ctx, bp, beatID)
		if err != nil {
			return abort(s.renderError(err))
		}
		if emit != nil {
			if err := emit(beat); err != nil {
				return abort(newError(ErrorStream, "emit_failed", err))
			}
		}
		out.Beats = append(out.Beats, beat)
		s.metrics.ObserveBeat()
	}

	if !plan.Canned() {
		phase = phaseCommitting
		reply, err := encodeReply(plan.Beats)
		if err != nil {
			return abort(newError(ErrorInternal, "reply_encode_error", err))
		}
		if err := s.store.AppendTurn(ctx, userID, text, reply); err != nil {
			return abort(newError(ErrorStore, "history_write_error", err))
		}
	}

	phase = phaseDone
	outcome := "ok"
	if out.Canned {
		outcome = "canned"
	}
	s.metrics.ObserveTurn(outcome)
	log.Info("turn complete",
		"phase", string(phase),
		"kind", plan.Kind,
		"beats", len(out.Beats),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (s *ChatService) renderError(err error) *Error {
	var synthErr *render.SynthesisError
	if errors.As(err, &synthErr) {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			s.metrics.ObserveProviderError("openai", "429")
			return newError(ErrorRateLimited, "speech_rate_limited", err)
		}
		s.metrics.ObserveProviderError("openai", "speech")
		return newError(ErrorSynthesis, "speech_synthesis_failed", err)
	}
	var toolErr *render.ToolError
	if errors.As(err, &toolErr) {
		s.metrics.ObserveProviderError(toolName(toolErr.Stage), toolErr.Stage)
		return newError(ErrorTool, toolErr.Stage+"_failed", err)
	}
	return newError(ErrorInternal, "render_error", err)
}

func toolName(stage string) string {
	switch stage {
	case render.StageTranscode:
		return "ffmpeg"
	case render.StageLipsync:
		return "rhubarb"
	default:
		return "render"
	}
}

func asUsecaseError(err error, code ErrorCode, reason string) *Error {
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return newError(code, reason, err)
}

var newUUID = func() string {
	return uuid.NewString()
}
