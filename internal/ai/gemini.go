package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

type geminiConfig struct {
	APIKey string `json:"api_key"`
	// OutputDim asks the model to truncate vectors, 0 keeps the model size.
	OutputDim int `json:"output_dim"`
}

type geminiEmbedProvider struct {
	apiKey    string
	outputDim int

	mu     sync.Mutex
	client *genai.Client
}

func (p *geminiEmbedProvider) Name() string {
	return "gemini"
}

// getClient creates the client on first use and keeps it for later calls.
func (p *geminiEmbedProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *geminiEmbedProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}
	cfg := &genai.EmbedContentConfig{TaskType: taskType}
	if p.outputDim > 0 {
		dim := int32(p.outputDim)
		cfg.OutputDimensionality = &dim
	}
	resp, err := client.Models.EmbedContent(ctx, model, []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embed %s: %w", model, err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("gemini embed %s: empty response", model)
	}
	return resp.Embeddings[0].Values, nil
}

func createGeminiEmbedFactory(args interface{}) (IEmbedProvider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.OutputDim < 0 {
		return nil, fmt.Errorf("gemini output_dim must not be negative")
	}
	return &geminiEmbedProvider{apiKey: strings.TrimSpace(cfg.APIKey), outputDim: cfg.OutputDim}, nil
}

func init() {
	RegisterEmbed("gemini", createGeminiEmbedFactory)
}

// decodeConfig converts the free-form provider data of the config file into
// a typed provider config.
func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("embedding provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode embedding provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode embedding provider config: %w", err)
	}
	return nil
}
