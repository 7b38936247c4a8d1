package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"patient-sim/internal/usecase"
)

// SessionAPI is the usecase surface the handler exposes over HTTP.
type SessionAPI interface {
	StartSession(ctx context.Context, in usecase.StartInput) (usecase.StartOutput, error)
	SubmitTurn(ctx context.Context, sessionID, text string) (usecase.TurnOutput, error)
	RetryTurn(ctx context.Context, sessionID string) (usecase.TurnOutput, error)
	RequestCritique(ctx context.Context, sessionID string) (usecase.CritiqueOutput, error)
	Snapshot(sessionID string) (usecase.Snapshot, error)
}

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type Handler struct {
	sessions SessionAPI
}

func NewHandler(sessions SessionAPI) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("handler: session service must not be nil")
	}
	return &Handler{sessions: sessions}, nil
}

type startRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type startResponse struct {
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	TraineeKey  string `json:"traineeKey"`
}

type turnRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	Reply     string `json:"reply"`
	TurnCount int    `json:"turnCount"`
}

type critiqueResponse struct {
	Critique string `json:"critique"`
}

type windowEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sessionResponse struct {
	SessionID   string        `json:"sessionId"`
	SessionName string        `json:"sessionName"`
	Phase       string        `json:"phase"`
	TurnCount   int           `json:"turnCount"`
	Window      []windowEntry `json:"window"`
	Critique    string        `json:"critique,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes an API Gateway event to the session service.
//
//	POST /sessions                     start a session
//	GET  /sessions/{id}                phase, turn count, window, critique
//	POST /sessions/{id}/turns          submit a trainee message
//	POST /sessions/{id}/turns/retry    retry the pending turn
//	POST /sessions/{id}/critique       compose the critique
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (Response, error) {
	correlationID := correlationIDFrom(event.Headers)

	segments := splitPath(event.Path)
	if len(segments) == 0 || segments[0] != "sessions" {
		return reply(http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"}, correlationID), nil
	}

	switch {
	case len(segments) == 1 && event.HTTPMethod == http.MethodPost:
		return h.start(ctx, event.Body, correlationID), nil
	case len(segments) == 2 && event.HTTPMethod == http.MethodGet:
		return h.snapshot(segments[1], correlationID), nil
	case len(segments) == 3 && segments[2] == "turns" && event.HTTPMethod == http.MethodPost:
		return h.submitTurn(ctx, segments[1], event.Body, correlationID), nil
	case len(segments) == 4 && segments[2] == "turns" && segments[3] == "retry" && event.HTTPMethod == http.MethodPost:
		return h.retryTurn(ctx, segments[1], correlationID), nil
	case len(segments) == 3 && segments[2] == "critique" && event.HTTPMethod == http.MethodPost:
		return h.critique(ctx, segments[1], correlationID), nil
	}
	return reply(http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"}, correlationID), nil
}

func (h *Handler) start(ctx context.Context, body, correlationID string) Response {
	var req startRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return reply(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}, correlationID)
	}
	out, err := h.sessions.StartSession(ctx, usecase.StartInput{Code: req.Code, Name: req.Name})
	if err != nil {
		return errorReply(err, correlationID)
	}
	return reply(http.StatusCreated, startResponse{
		SessionID:   out.SessionID,
		SessionName: out.SessionName,
		TraineeKey:  out.TraineeKey,
	}, correlationID)
}

func (h *Handler) submitTurn(ctx context.Context, sessionID, body, correlationID string) Response {
	var req turnRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return reply(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}, correlationID)
	}
	out, err := h.sessions.SubmitTurn(ctx, sessionID, req.Message)
	if err != nil {
		return errorReply(err, correlationID)
	}
	return reply(http.StatusOK, turnResponse{Reply: out.Reply, TurnCount: out.TurnCount}, correlationID)
}

func (h *Handler) retryTurn(ctx context.Context, sessionID, correlationID string) Response {
	out, err := h.sessions.RetryTurn(ctx, sessionID)
	if err != nil {
		return errorReply(err, correlationID)
	}
	return reply(http.StatusOK, turnResponse{Reply: out.Reply, TurnCount: out.TurnCount}, correlationID)
}

func (h *Handler) critique(ctx context.Context, sessionID, correlationID string) Response {
	out, err := h.sessions.RequestCritique(ctx, sessionID)
	if err != nil {
		return errorReply(err, correlationID)
	}
	return reply(http.StatusOK, critiqueResponse{Critique: out.Critique}, correlationID)
}

func (h *Handler) snapshot(sessionID, correlationID string) Response {
	snap, err := h.sessions.Snapshot(sessionID)
	if err != nil {
		return errorReply(err, correlationID)
	}
	window := make([]windowEntry, 0, len(snap.Window))
	for _, turn := range snap.Window {
		window = append(window, windowEntry{Role: turn.Role, Content: turn.Content})
	}
	return reply(http.StatusOK, sessionResponse{
		SessionID:   snap.SessionID,
		SessionName: snap.SessionName,
		Phase:       string(snap.Phase),
		TurnCount:   snap.TurnCount,
		Window:      window,
		Critique:    snap.Critique,
	}, correlationID)
}

func errorReply(err error, correlationID string) Response {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return reply(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, correlationID)
	}
	return reply(statusFor(uerr.Code), errorResponse{Error: string(uerr.Code), Reason: uerr.Reason}, correlationID)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorInvalidState, usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func reply(status int, payload any, correlationID string) Response {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    responseHeaders(correlationID),
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return Response{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID,
	}
}

func correlationIDFrom(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return newUUID()
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var newUUID = func() string {
	return uuid.NewString()
}
