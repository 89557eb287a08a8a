package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"avatar-agent/internal/domain"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultSpeechModel = "tts-1"
	defaultVoice       = "nova"
	maxSpeechBytes     = 25 << 20
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to an OpenAI-compatible API for chat completions and speech.
// The API key is resolved lazily from a KeySource and cached once found.
type Client struct {
	keys        KeySource
	baseURL     string
	httpClient  *http.Client
	maxTokens   int
	temperature float32
	jsonOutput  bool
	speechModel string
	voice       string

	mu     sync.Mutex
	apiKey string
	api    *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCompletionLimits sets the token cap and sampling temperature used for
// chat completions.
func WithCompletionLimits(maxTokens int, temperature float32) Option {
	return func(c *Client) {
		c.maxTokens = maxTokens
		c.temperature = temperature
	}
}

// WithJSONOutput asks the model for a JSON object response.
func WithJSONOutput(enabled bool) Option {
	return func(c *Client) {
		c.jsonOutput = enabled
	}
}

// WithSpeech selects the text-to-speech model and voice.
func WithSpeech(model, voice string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.speechModel = model
		}
		if voice = strings.TrimSpace(voice); voice != "" {
			c.voice = voice
		}
	}
}

// NewClient creates a Client backed by the given key source.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	c := &Client{
		keys:        keys,
		baseURL:     defaultBaseURL,
		maxTokens:   1000,
		temperature: 0.8,
		jsonOutput:  true,
		speechModel: defaultSpeechModel,
		voice:       defaultVoice,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HasCredentials reports whether a usable (non-placeholder) API key is
// available. It never calls a paid endpoint.
func (c *Client) HasCredentials(ctx context.Context) bool {
	key, err := c.resolveAPIKey(ctx)
	if err != nil {
		return false
	}
	return !IsPlaceholderKey(key)
}

// resolveAPIKey fetches the key on first use. Failures are not cached so a
// transient parameter store error is retried on the next request.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.keys.APIKey(ctx)
	if err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("openai: API key is empty")
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) client(ctx context.Context) (*goopenai.Client, error) {
	key, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	if IsPlaceholderKey(key) {
		return nil, errors.New("openai: API key is a placeholder")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = apiBaseURL(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

// apiBaseURL normalizes a base URL so it always ends in /v1.
func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Chat requests a single completion and returns the content of the first choice.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	api, err := c.client(ctx)
	if err != nil {
		return "", err
	}

	req := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if c.jsonOutput {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", statusError(err, apiBaseURL(c.baseURL)+"/chat/completions"))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize converts text to speech and returns the encoded mp3 bytes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: speech input must not be empty")
	}
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := api.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(c.speechModel),
		Voice:          goopenai.SpeechVoice(c.voice),
		Input:          text,
		ResponseFormat: goopenai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create speech: %w", statusError(err, apiBaseURL(c.baseURL)+"/audio/speech"))
	}
	defer func() { _ = resp.Close() }()

	buf, err := io.ReadAll(io.LimitReader(resp, maxSpeechBytes))
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %w", err)
	}
	if len(buf) == 0 {
		return nil, errors.New("openai: empty speech response")
	}
	return buf, nil
}

func toOpenAIMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: roleFor(m.Role), Content: m.Content})
	}
	return out
}

func roleFor(role string) string {
	switch role {
	case domain.RoleSystem:
		return goopenai.ChatMessageRoleSystem
	case domain.RoleAssistant:
		return goopenai.ChatMessageRoleAssistant
	default:
		return goopenai.ChatMessageRoleUser
	}
}

// statusError converts go-openai transport errors into HTTPStatusError so
// callers can classify them with the HTTPStatusCode interface.
func statusError(err error, url string) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, URL: url, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, URL: url, Body: body}
	}
	return err
}
