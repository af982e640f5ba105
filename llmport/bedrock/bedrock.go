// Package bedrock implements llmport.Provider on top of the Bedrock
// Converse API, narrowed from the teacher's multi-part message/tool/
// thinking-config adapter (features/model/bedrock) down to a single
// user-message, no-tools Completion call.
package bedrock

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/mgxai/fabric/llmport"
)

// converser is the narrow slice of *bedrockruntime.Client this package
// calls, matching the teacher's own Converse-only seam so a fake client
// can stand in for tests.
type converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider implements llmport.Provider via the Bedrock Converse API.
type Provider struct {
	client       converser
	defaultModel string
}

// New wraps an already-configured bedrockruntime.Client. Region, creds, and
// retry options belong to the aws.Config the caller built the client from.
func New(client *bedrockruntime.Client, defaultModel string) (*Provider, error) {
	if client == nil {
		return nil, errors.New("bedrock: client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Provider{client: client, defaultModel: defaultModel}, nil
}

func (p *Provider) Complete(ctx context.Context, req llmport.Request) (llmport.Response, error) {
	if req.Prompt == "" {
		return llmport.Response{}, errors.New("bedrock: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
			},
		},
	}
	if cfg := inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return llmport.Response{}, llmport.ErrRateLimited
		}
		return llmport.Response{}, err
	}

	text, err := extractText(out)
	if err != nil {
		return llmport.Response{}, err
	}

	var inputTokens, outputTokens int
	if out.Usage != nil {
		inputTokens = int(ptrValue(out.Usage.InputTokens))
		outputTokens = int(ptrValue(out.Usage.OutputTokens))
	}
	return llmport.Response{
		Text:         text,
		TokensUsed:   inputTokens + outputTokens,
		CostEstimate: estimateCost(modelID, inputTokens, outputTokens),
	}, nil
}

func inferenceConfig(maxTokens int, temperature float64) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if temperature > 0 {
		cfg.Temperature = aws.Float32(float32(temperature))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func extractText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", errors.New("bedrock: response is nil")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response contained no message output")
	}
	var text string
	for _, block := range msg.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += t.Value
		}
	}
	return text, nil
}

func ptrValue(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

// isRateLimited reports whether err represents a Bedrock throttling
// response. The teacher inspects both HTTP 429s and ThrottlingException;
// this narrows to the typed ThrottlingException check and does not look at
// HTTP status codes.
func isRateLimited(err error) bool {
	var throttle *brtypes.ThrottlingException
	return errors.As(err, &throttle)
}

// estimateCost is a coarse per-token cost model; production deployments
// should source rates from provider billing config rather than constants.
func estimateCost(_ string, inputTokens, outputTokens int) float64 {
	const inputPerToken = 0.000003
	const outputPerToken = 0.000015
	return float64(inputTokens)*inputPerToken + float64(outputTokens)*outputPerToken
}
