package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"patient-sim/handler"
	"patient-sim/internal/integrations/openai"
	"patient-sim/internal/integrations/paramstore"
	"patient-sim/internal/repository"
	"patient-sim/internal/retry"
	"patient-sim/internal/usecase"
)

// Local development entrypoint. Serves the same handler the Lambda
// runs, translating plain HTTP into API Gateway events so the whole
// code path is exercised without a deployment.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "err", err)
	}

	ctx := context.Background()

	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	minTurns := envInt("MIN_TURNS", 10)
	maxTurns := envInt("MAX_TURNS", 20)
	contextWindow := envInt("CONTEXT_WINDOW", 10)
	maxAttempts := envInt("RETRY_MAX_ATTEMPTS", 5)
	port := envInt("PORT", 8080)

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
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

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		serveEvent(w, req, h)
	})

	addr := ":" + strconv.Itoa(port)
	slog.Info("local server listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// serveEvent adapts one HTTP request to the Lambda handler and writes
// the handler's response back.
func serveEvent(w http.ResponseWriter, req *http.Request, h *handler.Handler) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	resp, err := h.Handle(req.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: req.Method,
		Path:       req.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	if err != nil {
		http.Error(w, "handler error", http.StatusInternalServerError)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, resp.Body); err != nil {
		slog.Warn("could not write response", "err", err)
	}
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
