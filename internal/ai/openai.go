package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAITimeout = 30 * time.Second
	maxErrorBody         = 4 << 10
)

type openAIConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	Dimensions int    `json:"dimensions"`
	TimeoutSec int    `json:"timeout_sec"`
}

type openAIEmbedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type openAIEmbedProvider struct {
	apiKey     string
	endpoint   string
	dimensions int
	client     *http.Client
}

func (p *openAIEmbedProvider) Name() string {
	return "openai"
}

// Embed calls an OpenAI compatible /embeddings endpoint. taskType is not
// part of that API and is ignored.
func (p *openAIEmbedProvider) Embed(ctx context.Context, model string, text string, _ string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	data, err := json.Marshal(openAIEmbedRequest{Model: model, Input: text, Dimensions: p.dimensions})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai embed %s: %w", model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai embed %s: %s", model, readAPIError(resp))
	}
	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	for _, item := range out.Data {
		if item.Index == 0 && len(item.Embedding) > 0 {
			return item.Embedding, nil
		}
	}
	return nil, fmt.Errorf("openai embed %s: empty response", model)
}

func readAPIError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var apiErr openAIErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", resp.Status, apiErr.Error.Message, apiErr.Error.Type)
	}
	return fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
}

func createOpenAIEmbedFactory(args interface{}) (IEmbedProvider, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.Dimensions < 0 || cfg.TimeoutSec < 0 {
		return nil, fmt.Errorf("openai dimensions and timeout_sec must not be negative")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := defaultOpenAITimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return &openAIEmbedProvider{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoint:   strings.TrimRight(baseURL, "/") + "/embeddings",
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func init() {
	RegisterEmbed("openai", createOpenAIEmbedFactory)
}
