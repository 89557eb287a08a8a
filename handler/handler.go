package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput, emit usecase.EmitFunc) (usecase.ChatOutput, error)
}

type Handler struct {
	chat   ChatUseCase
	logger *slog.Logger
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type chatResponse struct {
	Messages []domain.RenderedBeat `json:"messages"`
	TurnID   string                `json:"turnId,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

var newCorrelationID = func() string { return uuid.NewString() }

func NewHandler(chat ChatUseCase) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	return &Handler{chat: chat, logger: slog.Default()}, nil
}

// Handle serves POST /chat behind API Gateway. Lambda proxy responses cannot
// stream, so the whole turn is rendered before the reply is written.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	logger := h.logger.With("correlation_id", correlationID)

	var body chatRequest
	if strings.TrimSpace(req.Body) != "" {
		if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
			logger.Warn("invalid request body", "err", err)
			return respond(http.StatusBadRequest, correlationID, errorResponse{
				Error:   string(usecase.ErrorInvalidInput),
				Message: "invalid request body",
			}), nil
		}
	}

	out, err := h.chat.Chat(ctx, usecase.ChatInput{Message: body.Message, UserID: body.UserID}, nil)
	if err != nil {
		status, code := statusFor(err)
		logger.Error("chat turn failed", "status", status, "code", code, "err", err)
		return respond(status, correlationID, errorResponse{Error: code, Message: messageFor(status)}), nil
	}
	return respond(http.StatusOK, correlationID, chatResponse{Messages: out.Beats, TurnID: out.TurnID}), nil
}

func statusFor(err error) (int, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code)
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ue.Code)
	case usecase.ErrorModel, usecase.ErrorSynthesis, usecase.ErrorTool:
		return http.StatusBadGateway, string(ue.Code)
	default:
		return http.StatusInternalServerError, string(ue.Code)
	}
}

func messageFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid chat request"
	case http.StatusTooManyRequests:
		return "too many requests, try again shortly"
	default:
		return "failed to generate reply"
	}
}

func respond(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
