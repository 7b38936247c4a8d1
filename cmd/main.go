package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"patient-sim/handler"
	"patient-sim/internal/integrations/openai"
	"patient-sim/internal/integrations/paramstore"
	"patient-sim/internal/repository"
	"patient-sim/internal/retry"
	"patient-sim/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	minTurns := envInt("MIN_TURNS", 10)
	maxTurns := envInt("MAX_TURNS", 20)
	contextWindow := envInt("CONTEXT_WINDOW", 10)
	maxAttempts := envInt("RETRY_MAX_ATTEMPTS", 5)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	model, err := ssmClient.GetParameter(ctx, strings.TrimRight(paramPrefix, "/")+"/config/openai_model")
	if err != nil {
		slog.Error("failed to load model name", "err", err)
		os.Exit(1)
	}

	invoker, err := retry.New(openaiClient, model, retry.Config{MaxAttempts: maxAttempts})
	if err != nil {
		slog.Error("failed to create invoker", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	sessionService, err := usecase.NewSessionService(ssmClient, invoker, stateClient, paramPrefix, usecase.Config{
		MinTurns:      minTurns,
		MaxTurns:      maxTurns,
		ContextWindow: contextWindow,
	})
	if err != nil {
		slog.Error("failed to create session service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(sessionService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
