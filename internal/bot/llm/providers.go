package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	resthttp "botplatform/pkg/http"

	openai "github.com/sashabaranov/go-openai"
)

// chatCaller is the minimal shape every provider family reduces to: render a
// system+user prompt, get back the model's raw text.
type chatCaller interface {
	complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

func newChatCaller(cfg ProviderConfig) (chatCaller, error) {
	switch cfg.Family {
	case FamilyOpenAI:
		return newOpenAICaller(cfg), nil
	case FamilyAnthropic:
		return newAnthropicCaller(cfg), nil
	case FamilyGemini:
		return newGeminiCaller(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider family %q", cfg.Family)
	}
}

// openAICaller speaks the OpenAI chat-completions API via go-openai, the
// client selivandex-trader-bot wires for its own agentic providers.
type openAICaller struct {
	client *openai.Client
	model  string
}

func newOpenAICaller(cfg ProviderConfig) *openAICaller {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAICaller{client: openai.NewClientWithConfig(clientCfg), model: cfg.Model}
}

func (c *openAICaller) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// anthropicSigner attaches Anthropic's header-based auth scheme.
type anthropicSigner struct{ apiKey string }

func (s anthropicSigner) SignRequest(req *http.Request) error {
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")
	return nil
}

type anthropicCaller struct {
	client *resthttp.Client
	model  string
}

func newAnthropicCaller(cfg ProviderConfig) *anthropicCaller {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &anthropicCaller{
		client: resthttp.NewClient(baseURL, 65*time.Second, anthropicSigner{apiKey: cfg.APIKey}),
		model:  cfg.Model,
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (c *anthropicCaller) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := c.client.Post(ctx, "/v1/messages", anthropicRequest{
		Model:     c.model,
		MaxTokens: 1024,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return "", err
	}
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode anthropic response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("llm: anthropic returned empty content")
	}
	return parsed.Content[0].Text, nil
}

// geminiSigner attaches Gemini's API-key-as-query-param auth scheme.
type geminiSigner struct{ apiKey string }

func (s geminiSigner) SignRequest(req *http.Request) error {
	q := req.URL.Query()
	q.Set("key", s.apiKey)
	req.URL.RawQuery = q.Encode()
	return nil
}

type geminiCaller struct {
	client *resthttp.Client
	model  string
}

func newGeminiCaller(cfg ProviderConfig) *geminiCaller {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &geminiCaller{
		client: resthttp.NewClient(baseURL, 65*time.Second, geminiSigner{apiKey: cfg.APIKey}),
		model:  cfg.Model,
	}
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"system_instruction"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (c *geminiCaller) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	path := fmt.Sprintf("/v1beta/models/%s:generateContent", c.model)
	body, err := c.client.Post(ctx, path, geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Parts: []geminiPart{{Text: userPrompt}}}},
	})
	if err != nil {
		return "", err
	}
	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("llm: gemini returned no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
