package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/llmport"
)

// fakeConverser lets tests drive Provider.Complete without a live AWS
// client; New requires a concrete *bedrockruntime.Client, so these
// in-package tests construct Provider directly against the converser seam.
type fakeConverser struct {
	out *bedrockruntime.ConverseOutput
	err error
}

func (f *fakeConverser) Converse(_ context.Context, _ *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return f.out, f.err
}

func textOutput(text string, inTok, outTok int32) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(inTok),
			OutputTokens: aws.Int32(outTok),
		},
	}
}

func TestCompleteExtractsTextAndUsage(t *testing.T) {
	p := &Provider{client: &fakeConverser{out: textOutput("hello there", 10, 5)}, defaultModel: "anthropic.claude-3-sonnet"}

	resp, err := p.Complete(context.Background(), llmport.Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Text)
	require.Equal(t, 15, resp.TokensUsed)
	require.Greater(t, resp.CostEstimate, 0.0)
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	p := &Provider{client: &fakeConverser{}, defaultModel: "anthropic.claude-3-sonnet"}

	_, err := p.Complete(context.Background(), llmport.Request{})
	require.Error(t, err)
}

func TestCompleteSurfacesThrottlingAsRateLimited(t *testing.T) {
	p := &Provider{client: &fakeConverser{err: &brtypes.ThrottlingException{Message: aws.String("slow down")}}, defaultModel: "anthropic.claude-3-sonnet"}

	_, err := p.Complete(context.Background(), llmport.Request{Prompt: "hi"})
	require.True(t, errors.Is(err, llmport.ErrRateLimited))
}

func TestCompleteErrorsOnMissingMessageOutput(t *testing.T) {
	p := &Provider{client: &fakeConverser{out: &bedrockruntime.ConverseOutput{}}, defaultModel: "anthropic.claude-3-sonnet"}

	_, err := p.Complete(context.Background(), llmport.Request{Prompt: "hi"})
	require.Error(t, err)
}
