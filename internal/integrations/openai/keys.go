package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// placeholderKey is what deployments set when they deliberately run without
// credentials.
const placeholderKey = "-"

// KeySource yields the API key used for every OpenAI call.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// Getter is the parameter store lookup consumed by ParamStoreKey.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// IsPlaceholderKey reports whether key is missing or the "-" placeholder.
func IsPlaceholderKey(key string) bool {
	key = strings.TrimSpace(key)
	return key == "" || key == placeholderKey
}

// StaticKey is a key taken from configuration. An empty StaticKey resolves
// to the placeholder so the service can still answer with canned replies.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	if IsPlaceholderKey(string(k)) {
		return placeholderKey, nil
	}
	return strings.TrimSpace(string(k)), nil
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamStoreKey reads the key from "<prefix>/open-ai-token" in SSM.
type ParamStoreKey struct {
	getter Getter
	name   string
}

func NewParamStoreKey(getter Getter, paramPrefix string) (*ParamStoreKey, error) {
	if getter == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return &ParamStoreKey{getter: getter, name: paramPrefix + "/open-ai-token"}, nil
}

func (p *ParamStoreKey) APIKey(ctx context.Context) (string, error) {
	return fetchAPIKeyFromParamStore(ctx, p.getter, p.name)
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
