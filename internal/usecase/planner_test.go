package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/integrations/openai"
)

type chatResponse struct {
	answer string
	err    error
}

type mockLLM struct {
	responses []chatResponse
	callCount int
	model     string
	captured  []domain.ChatMessage
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	m.model = model
	m.captured = msgs
	if len(m.responses) == 0 {
		return "", errors.New("no llm response configured")
	}
	idx := m.callCount
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.callCount++
	return m.responses[idx].answer, m.responses[idx].err
}

type fakeCredentials bool

func (f fakeCredentials) HasCredentials(context.Context) bool { return bool(f) }

func planJSON(texts ...string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		parts = append(parts, fmt.Sprintf(`{"text":%q,"facialExpression":"smile","animation":"Talking_0"}`, t))
	}
	return `{"messages":[` + strings.Join(parts, ",") + `]}`
}

func newTestPlanner(t *testing.T, llm LLMClient, creds bool) *Planner {
	t.Helper()
	p, err := NewPlanner(PlannerConfig{
		LLM:         llm,
		Credentials: fakeCredentials(creds),
		MaxRetries:  DefaultMaxRetries,
	})
	require.NoError(t, err)
	return p
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewPlanner_ValidatesDependencies(t *testing.T) {
	_, err := NewPlanner(PlannerConfig{Credentials: fakeCredentials(true)})
	require.Error(t, err)

	_, err = NewPlanner(PlannerConfig{LLM: &mockLLM{}})
	require.Error(t, err)

	_, err = NewPlanner(PlannerConfig{LLM: &mockLLM{}, Credentials: fakeCredentials(true), MaxRetries: -1})
	require.Error(t, err)
}

func TestPlan_EmptyMessageReturnsGreeting(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: planJSON("unused")}}}
	for _, creds := range []bool{true, false} {
		p := newTestPlanner(t, llm, creds)
		plan, err := p.Plan(context.Background(), "   ", nil)
		require.NoError(t, err)
		require.Equal(t, PlanIntro, plan.Kind)
		require.True(t, plan.Canned())
		require.Equal(t, []domain.BeatPlan{{
			Text:             GreetingText,
			FacialExpression: domain.ExpressionSmile,
			Animation:        domain.AnimationTalking1,
		}}, plan.Beats)
	}
	require.Zero(t, llm.callCount)
}

func TestPlan_MissingCredentialsReturnsApology(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: planJSON("unused")}}}
	p := newTestPlanner(t, llm, false)

	for _, msg := range []string{"hello", "how do I fix nitrogen deficiency?", "{}"} {
		plan, err := p.Plan(context.Background(), msg, nil)
		require.NoError(t, err)
		require.Equal(t, PlanAPI, plan.Kind)
		require.Len(t, plan.Beats, 1)
		require.Equal(t, ApologyText, plan.Beats[0].Text)
		require.Equal(t, domain.ExpressionAngry, plan.Beats[0].FacialExpression)
		require.Equal(t, domain.AnimationAngry, plan.Beats[0].Animation)
	}
	require.Zero(t, llm.callCount, "no paid call without credentials")
}

func TestPlan_HappyPath(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: planJSON("Hi!", "Rotate your crops.")}}}
	p := newTestPlanner(t, llm, true)

	history := []domain.ConversationEntry{
		{Role: domain.RoleUser, Content: "What should I plant?"},
		{Role: domain.RoleAssistant, Content: planJSON("Try beans.")},
	}
	plan, err := p.Plan(context.Background(), " and after that? ", history)
	require.NoError(t, err)
	require.Equal(t, PlanMessage, plan.Kind)
	require.False(t, plan.Canned())
	require.Len(t, plan.Beats, 2)
	require.Equal(t, "Rotate your crops.", plan.Beats[1].Text)

	require.Equal(t, defaultModel, llm.model)
	require.Len(t, llm.captured, 4)
	require.Equal(t, domain.RoleSystem, llm.captured[0].Role)
	require.Equal(t, "What should I plant?", llm.captured[1].Content)
	require.Equal(t, domain.RoleAssistant, llm.captured[2].Role)
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "and after that?"}, llm.captured[3])
}

func TestPlan_RetriesMalformedOutput(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{
		{answer: "Sure! Here you go:"},
		{answer: `{"messages":[]}`},
		{answer: planJSON("Third time lucky.")},
	}}
	p := newTestPlanner(t, llm, true)

	plan, err := p.Plan(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, 3, llm.callCount)
	require.Equal(t, "Third time lucky.", plan.Beats[0].Text)
}

func TestPlan_GivesUpAfterMaxRetries(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: "I am not JSON"}}}
	p := newTestPlanner(t, llm, true)

	_, err := p.Plan(context.Background(), "hi", nil)
	expectChatError(t, err, ErrorModel, "malformed_output")
	require.Equal(t, DefaultMaxRetries+1, llm.callCount)
}

func TestPlan_ZeroRetries(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: "nope"}}}
	p, err := NewPlanner(PlannerConfig{LLM: llm, Credentials: fakeCredentials(true), Model: "custom-model"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), "hi", nil)
	expectChatError(t, err, ErrorModel, "malformed_output")
	require.Equal(t, 1, llm.callCount)
	require.Equal(t, "custom-model", llm.model)
}

func TestPlan_ModelCallErrorsAreNotRetried(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}}}
	p := newTestPlanner(t, llm, true)
	_, err := p.Plan(context.Background(), "hi", nil)
	expectChatError(t, err, ErrorRateLimited, "model_rate_limited")
	require.Equal(t, 1, llm.callCount)

	llm = &mockLLM{responses: []chatResponse{{err: &openai.HTTPStatusError{StatusCode: http.StatusBadGateway}}}}
	p = newTestPlanner(t, llm, true)
	_, err = p.Plan(context.Background(), "hi", nil)
	expectChatError(t, err, ErrorModel, "model_unavailable")

	llm = &mockLLM{responses: []chatResponse{{err: errors.New("dial tcp: connection refused")}}}
	p = newTestPlanner(t, llm, true)
	_, err = p.Plan(context.Background(), "hi", nil)
	expectChatError(t, err, ErrorModel, "model_unavailable")
	require.Equal(t, 1, llm.callCount)
}

func TestPlan_TruncatesAndNormalizes(t *testing.T) {
	raw := `[
		{"text":"one","facialExpression":"smile","animation":"Talking_0"},
		{"text":"two","facialExpression":"grumpy","animation":"Moonwalk"},
		{"text":"three","facialExpression":"sad","animation":"Crying"},
		{"text":"four","facialExpression":"smile","animation":"Idle"}
	]`
	p := newTestPlanner(t, &mockLLM{responses: []chatResponse{{answer: raw}}}, true)

	plan, err := p.Plan(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Len(t, plan.Beats, domain.MaxBeatsPerTurn)
	require.Equal(t, domain.BeatPlan{Text: "two", FacialExpression: domain.ExpressionDefault, Animation: domain.AnimationTalking0}, plan.Beats[1])
	require.Equal(t, domain.BeatPlan{Text: "three", FacialExpression: "sad", Animation: "Crying"}, plan.Beats[2])
}

func TestModelPlan_SkipsCannedChecks(t *testing.T) {
	llm := &mockLLM{responses: []chatResponse{{answer: planJSON("straight to the model")}}}
	p := newTestPlanner(t, llm, false)

	plan, err := p.ModelPlan(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, PlanMessage, plan.Kind)
	require.Equal(t, 1, llm.callCount)
	require.Equal(t, "straight to the model", plan.Beats[0].Text)
}
