package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"avatar-agent/handler"
	"avatar-agent/internal/config"
	"avatar-agent/internal/integrations/ffmpeg"
	"avatar-agent/internal/integrations/openai"
	"avatar-agent/internal/integrations/paramstore"
	"avatar-agent/internal/integrations/rhubarb"
	"avatar-agent/internal/integrations/subprocess"
	"avatar-agent/internal/render"
	"avatar-agent/internal/repository"
	"avatar-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config", err)
	}
	if cfg.StateTable == "" {
		slog.Error("required environment variable is not set", "key", "STATE_TABLE")
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	stateClient, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.MaxMemory)
	if err != nil {
		fatal("failed to create state client", err)
	}

	var keys openai.KeySource = openai.StaticKey(cfg.OpenAIAPIKey)
	if cfg.OpenAIAPIKey == "" && cfg.ParamPrefix != "" {
		keys, err = openai.NewParamStoreKey(ssmClient, cfg.ParamPrefix)
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
	})
	if err != nil {
		fatal("failed to create renderer", err)
	}

	// ---- Handler ----
	persona := ""
	if cfg.ParamPrefix != "" {
		if persona, err = ssmClient.Lookup(ctx, "persona", ""); err != nil {
			fatal("failed to read persona", err)
		}
	}
	planner, err := usecase.NewPlanner(usecase.PlannerConfig{
		LLM:         openaiClient,
		Credentials: openaiClient,
		Model:       cfg.LLMModel,
		Persona:     persona,
		MaxRetries:  cfg.PlannerMaxRetries,
	})
	if err != nil {
		fatal("failed to create planner", err)
	}
	chatService, err := usecase.NewChatService(usecase.ChatConfig{
		Planner:  planner,
		Renderer: renderer,
		Store:    stateClient,
	})
	if err != nil {
		fatal("failed to create chat service", err)
	}

	h, err := handler.NewHandler(chatService)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
