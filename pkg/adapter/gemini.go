package adapter

import (
	"context"
	"iter"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

type GeminiClient struct {
	client          *genai.Client
	generativeModel string
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		if model != "" {
			g.generativeModel = model
		}
	}
}

// GeminiConfig selects the backend. APIKey takes precedence over Vertex AI
// project and location. BaseURL overrides the API endpoint when set.
type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string
	BaseURL  string
}

func NewGemini(ctx context.Context, cfg GeminiConfig, opts ...GeminiOption) (*GeminiClient, error) {
	clientConfig := &genai.ClientConfig{
		Project:  cfg.Project,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	}
	if cfg.APIKey != "" {
		clientConfig = &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
	}
	clientConfig.HTTPOptions.BaseURL = cfg.BaseURL

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Model returns the generative model name used for chats
func (g *GeminiClient) Model() string {
	return g.generativeModel
}

func (g *GeminiClient) OpenChat(ctx context.Context, cfg ChatConfig) (ChatStream, error) {
	temperature := cfg.Temperature
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser),
		Temperature:       &temperature,
	}

	chat, err := g.client.Chats.Create(ctx, g.generativeModel, config, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create new gemini chat", goerr.V("model", g.generativeModel))
	}

	return &geminiChat{chat: chat, model: g.generativeModel}, nil
}

type geminiChat struct {
	chat  *genai.Chat
	model string
}

func (c *geminiChat) Send(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range c.chat.SendMessageStream(ctx, genai.Part{Text: text}) {
			if err != nil {
				yield("", goerr.Wrap(NewBackendError(err), "failed to stream gemini reply", goerr.V("model", c.model)))
				return
			}

			fragment := responseText(resp)
			if fragment == "" {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

// responseText concatenates the text parts of the first candidate, skipping
// thoughts.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text += part.Text
	}
	return text
}
