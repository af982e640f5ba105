// Package anthropic implements llmport.Provider on top of Anthropic's
// Claude Messages API, narrowed from the teacher's multi-part message/
// tool-call adapter (features/model/anthropic) down to the plain
// prompt-in/text-out Completion contract this spec's LLM port uses.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mgxai/fabric/llmport"
)

const defaultMaxTokens = 4096

// Provider implements llmport.Provider via the Anthropic Messages API.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// New builds a Provider from an API key and the model ID used when
// Request.Model is empty.
func New(apiKey, defaultModel string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Provider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}, nil
}

func (p *Provider) Complete(ctx context.Context, req llmport.Request) (llmport.Response, error) {
	if req.Prompt == "" {
		return llmport.Response{}, errors.New("anthropic: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llmport.Response{}, llmport.ErrRateLimited
		}
		return llmport.Response{}, err
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	tokens := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	return llmport.Response{
		Text:         text,
		TokensUsed:   tokens,
		CostEstimate: estimateCost(modelID, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
	}, nil
}

func isRateLimited(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// estimateCost is a coarse per-token cost model; production deployments
// should source rates from provider billing config rather than constants.
func estimateCost(_ string, inputTokens, outputTokens int) float64 {
	const inputPerToken = 0.000003
	const outputPerToken = 0.000015
	return float64(inputTokens)*inputPerToken + float64(outputTokens)*outputPerToken
}
