// Package openai implements llmport.Provider on top of the OpenAI Chat
// Completions API, narrowed to the fabric's plain prompt-in/text-out
// Completion contract the way features/model/anthropic narrows Anthropic's
// richer message model in the teacher repo.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mgxai/fabric/llmport"
)

// Provider implements llmport.Provider via the OpenAI Chat Completions API.
type Provider struct {
	client       openai.Client
	defaultModel string
}

// New builds a Provider from an API key and the model ID used when
// Request.Model is empty.
func New(apiKey, defaultModel string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Provider{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}, nil
}

func (p *Provider) Complete(ctx context.Context, req llmport.Request) (llmport.Response, error) {
	if req.Prompt == "" {
		return llmport.Response{}, errors.New("openai: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(req.Prompt)},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llmport.Response{}, err
	}
	if len(resp.Choices) == 0 {
		return llmport.Response{}, errors.New("openai: empty choices in response")
	}

	tokens := int(resp.Usage.PromptTokens + resp.Usage.CompletionTokens)
	return llmport.Response{
		Text:         resp.Choices[0].Message.Content,
		TokensUsed:   tokens,
		CostEstimate: estimateCost(int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)),
	}, nil
}

// estimateCost is a coarse per-token cost model; production deployments
// should source rates from provider billing config rather than constants.
func estimateCost(promptTokens, completionTokens int) float64 {
	const inputPerToken = 0.0000025
	const outputPerToken = 0.00001
	return float64(promptTokens)*inputPerToken + float64(completionTokens)*outputPerToken
}
