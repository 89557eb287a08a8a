package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"avatar-agent/internal/config"
	"avatar-agent/internal/httpapi"
	"avatar-agent/internal/integrations/ffmpeg"
	"avatar-agent/internal/integrations/openai"
	"avatar-agent/internal/integrations/paramstore"
	"avatar-agent/internal/integrations/rhubarb"
	"avatar-agent/internal/integrations/subprocess"
	"avatar-agent/internal/observability"
	"avatar-agent/internal/render"
	"avatar-agent/internal/repository"
	"avatar-agent/internal/usecase"
)

func main() {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	// ---- Parameter store (optional) ----
	var params *paramstore.Client
	if cfg.ParamPrefix != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
		params, err = paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			fatal("failed to create SSM client", err)
		}
	}

	// ---- OpenAI ----
	var keys openai.KeySource = openai.StaticKey(cfg.OpenAIAPIKey)
	if cfg.OpenAIAPIKey == "" && params != nil {
		keys, err = openai.NewParamStoreKey(params, params.Prefix())
		if err != nil {
			fatal("failed to create key source", err)
		}
	}
	openaiClient, err := openai.NewClient(keys,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithCompletionLimits(cfg.LLMMaxTokens, float32(cfg.LLMTemp)),
		openai.WithSpeech(cfg.TTSModel, cfg.TTSVoice),
	)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}
	if !openaiClient.HasCredentials(ctx) {
		logger.Warn("no OpenAI credentials; every turn will get the canned apology")
	}

	// ---- Render pipeline ----
	runner := subprocess.ExecRunner{}
	converter, err := ffmpeg.New(cfg.FFmpegPath, runner)
	if err != nil {
		fatal("failed to create ffmpeg converter", err)
	}
	extractor, err := rhubarb.New(cfg.RhubarbPath, runner, rhubarb.WithRecognizer(cfg.RhubarbRecognizer))
	if err != nil {
		fatal("failed to create rhubarb extractor", err)
	}
	renderer, err := render.New(render.Config{
		Synthesizer: openaiClient,
		Converter:   converter,
		Extractor:   extractor,
		ScratchDir:  cfg.ScratchDir,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		fatal("failed to create renderer", err)
	}

	// ---- History ----
	store, closeStore, err := newHistoryStore(ctx, cfg)
	if err != nil {
		fatal("failed to create history store", err)
	}
	defer closeStore()

	// ---- Use cases ----
	persona := ""
	if params != nil {
		if persona, err = params.Lookup(ctx, "persona", ""); err != nil {
			fatal("failed to read persona", err)
		}
	}
	planner, err := usecase.NewPlanner(usecase.PlannerConfig{
		LLM:         openaiClient,
		Credentials: openaiClient,
		Model:       cfg.LLMModel,
		Persona:     persona,
		MaxRetries:  cfg.PlannerMaxRetries,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		fatal("failed to create planner", err)
	}
	chat, err := usecase.NewChatService(usecase.ChatConfig{
		Planner:  planner,
		Renderer: renderer,
		Store:    store,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		fatal("failed to create chat service", err)
	}

	// ---- HTTP ----
	srv, err := httpapi.New(chat, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Streaming:      cfg.ChatStreaming,
		DebugRoutes:    cfg.DebugRoutes,
		RhubarbDir:     cfg.RhubarbDir(),
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		fatal("failed to create http server", err)
	}

	logger.Info("avatar agent starting",
		"addr", cfg.Addr(),
		"history_backend", cfg.HistoryBackend,
		"streaming", cfg.ChatStreaming,
		"ffmpeg", cfg.FFmpegPath,
		"rhubarb", cfg.RhubarbPath,
	)
	if err := httpapi.Serve(ctx, cfg.Addr(), srv.Router(), cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("http server stopped", "err", err)
		closeStore()
		os.Exit(1)
	}
}

func newHistoryStore(ctx context.Context, cfg config.Config) (usecase.HistoryStore, func(), error) {
	switch cfg.HistoryBackend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.MaxMemory)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case config.BackendPostgres:
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxMemory)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := repository.NewMemoryStore(cfg.MaxMemory, cfg.MaxUsers)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
