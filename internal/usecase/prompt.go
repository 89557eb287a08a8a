package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"avatar-agent/internal/domain"
)

// DefaultPersona is the character the avatar plays when no persona is configured.
const DefaultPersona = "You are FutureFarm Agronomist, a friendly virtual agronomist. " +
	"You help farmers and gardeners with crops, soil, irrigation, pests and weather."

type planEnvelope struct {
	Messages []domain.BeatPlan `json:"messages"`
}

func buildPromptMessages(persona string, history []domain.ConversationEntry, text string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: buildSystemPrompt(persona)})
	for _, e := range history {
		content := strings.TrimSpace(e.Content)
		if content == "" {
			continue
		}
		role := domain.RoleUser
		if e.Role == domain.RoleAssistant {
			role = domain.RoleAssistant
		}
		messages = append(messages, domain.ChatMessage{Role: role, Content: content})
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: text})
	return messages
}

func buildSystemPrompt(persona string) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = DefaultPersona
	}
	return strings.Join([]string{
		persona,
		"",
		"You will always reply with a JSON object holding a \"messages\" array.",
		fmt.Sprintf("Use at most %d messages.", domain.MaxBeatsPerTurn),
		"Each message has a text, facialExpression and animation property.",
		"The different facial expressions are: " + strings.Join(domain.FacialExpressions, ", ") + ".",
		"The different animations are: " + strings.Join(domain.Animations, ", ") + ".",
		"Keep each text short enough to be spoken aloud.",
	}, "\n")
}

// parsePlan decodes a model completion. Both a bare array of beats and an
// object with a "messages" array are accepted.
func parsePlan(raw string) ([]domain.BeatPlan, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, errors.New("usecase: decode plan: empty completion")
	}

	var beats []domain.BeatPlan
	if strings.HasPrefix(body, "[") {
		if err := decodeSingle(body, &beats); err != nil {
			return nil, err
		}
	} else {
		var env planEnvelope
		if err := decodeSingle(body, &env); err != nil {
			return nil, err
		}
		beats = env.Messages
	}

	if len(beats) == 0 {
		return nil, errors.New("usecase: decode plan: no messages")
	}
	for i, b := range beats {
		if strings.TrimSpace(b.Text) == "" {
			return nil, fmt.Errorf("usecase: decode plan: message %d has empty text", i)
		}
	}
	return beats, nil
}

func decodeSingle(body string, v any) error {
	dec := json.NewDecoder(bytes.NewBufferString(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("usecase: decode plan: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("usecase: decode plan: multiple JSON values")
		}
		return fmt.Errorf("usecase: decode plan trailing data: %w", err)
	}
	return nil
}

// stripCodeFence removes a surrounding ```json fence some models add even in
// JSON mode.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "[{") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}

// normalizeBeat trims the text and replaces tags the avatar cannot play with
// neutral ones. It reports whether anything was replaced.
func normalizeBeat(b domain.BeatPlan) (domain.BeatPlan, bool) {
	changed := false
	b.Text = strings.TrimSpace(b.Text)
	if !domain.IsFacialExpression(b.FacialExpression) {
		b.FacialExpression = domain.ExpressionDefault
		changed = true
	}
	if !domain.IsAnimation(b.Animation) {
		b.Animation = domain.AnimationTalking0
		changed = true
	}
	return b, changed
}

// encodeReply is the assistant entry stored in history for a committed turn.
func encodeReply(beats []domain.BeatPlan) (string, error) {
	raw, err := json.Marshal(planEnvelope{Messages: beats})
	if err != nil {
		return "", fmt.Errorf("usecase: encode reply: %w", err)
	}
	return string(raw), nil
}
