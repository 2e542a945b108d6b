package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	llm "github.com/stocksage/stocksage/gateway/internal/infrastructure/llm"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

func init() {
	llm.RegisterFactory("openai", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider is the OpenAI-compatible chat/completions client. It speaks to
// OpenAI, Azure OpenAI, Ollama, vLLM, and compatible proxies.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// New builds the provider. Transport-level timeouts bound connection setup
// and first-header latency; there is deliberately no total client timeout,
// since a long inference is not an error. Cancellation rides the context.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name)),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string     { return p.name }
func (p *Provider) Models() []string { return p.models }

// SupportsModel reports whether the deployment id is served here. An empty
// models list is a wildcard.
func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// Complete runs one blocking chat completion.
func (p *Provider) Complete(ctx context.Context, req *service.ModelRequest) (*service.ModelResponse, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	resp, err := p.post(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "read completion response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}
	return p.parseResponse(respBody)
}

func (p *Provider) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "model request failed", err)
	}
	return resp, nil
}

func (p *Provider) buildRequest(req *service.ModelRequest, stream bool) *apiRequest {
	out := &apiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	for _, msg := range req.Messages {
		m := apiMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			m.ToolCalls = append(m.ToolCalls, apiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: apiToolCallFunc{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		out.Messages = append(out.Messages, m)
	}

	for _, def := range req.Tools {
		params := def.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out.Tools = append(out.Tools, apiTool{
			Type: "function",
			Function: apiToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func (p *Provider) parseResponse(body []byte) (*service.ModelResponse, error) {
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindModelError, "parse completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.New(apperrors.KindModelError, "completion returned no choices")
	}

	choice := parsed.Choices[0]
	resp := &service.ModelResponse{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		Usage: entity.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, apperrors.Wrap(apperrors.KindModelError,
					fmt.Sprintf("parse arguments for tool %s", tc.Function.Name), err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, entity.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

// classifyStatus maps an upstream HTTP status to an error kind the breaker
// and handlers act on.
func classifyStatus(status int, body []byte) error {
	sample := string(body)
	if len(sample) > 512 {
		sample = sample[:512]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.KindRateLimited, "model rate limit exceeded")
	case status >= 500:
		return apperrors.New(apperrors.KindUpstreamUnavailable,
			fmt.Sprintf("model endpoint returned status %d: %s", status, sample))
	default:
		return apperrors.New(apperrors.KindModelError,
			fmt.Sprintf("model endpoint rejected request with status %d: %s", status, sample))
	}
}
