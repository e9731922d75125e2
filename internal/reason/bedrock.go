package reason

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// DefaultModelID is the hosted model used when none is configured.
const DefaultModelID = "anthropic.claude-3-sonnet-20240229-v1:0"

// anthropicVersion is required by the Bedrock message API.
const anthropicVersion = "bedrock-2023-05-31"

// Bedrock runs stage reasoning on an Amazon Bedrock hosted model.
type Bedrock struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

// NewBedrock creates a Bedrock reasoner using the default AWS credential
// chain for the given region.
func NewBedrock(ctx context.Context, region, modelID string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if modelID == "" {
		modelID = DefaultModelID
	}
	return &Bedrock{
		client:    bedrockruntime.NewFromConfig(cfg),
		modelID:   modelID,
		maxTokens: 1000,
	}, nil
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

// Infer invokes the model with the stage prompt and returns the raw decision
// text. Throttling and model-availability failures come back transient so
// the stage adapter retries them; everything else is permanent.
func (b *Bedrock) Infer(ctx context.Context, req Request) (string, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        b.maxTokens,
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicContent{{Type: "text", Text: prompt}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal bedrock request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", classify(err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("decode bedrock response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty bedrock response")
	}

	return stripFences(resp.Content[0].Text), nil
}

// classify maps Bedrock SDK errors to the retry taxonomy.
func classify(err error) error {
	var (
		throttle    *brtypes.ThrottlingException
		timeout     *brtypes.ModelTimeoutException
		notReady    *brtypes.ModelNotReadyException
		unavailable *brtypes.ServiceUnavailableException
		internal    *brtypes.InternalServerException
	)
	switch {
	case errors.As(err, &throttle),
		errors.As(err, &timeout),
		errors.As(err, &notReady),
		errors.As(err, &unavailable),
		errors.As(err, &internal),
		errors.Is(err, context.DeadlineExceeded):
		return Transient(fmt.Errorf("bedrock: %w", err))
	default:
		return fmt.Errorf("bedrock: %w", err)
	}
}

// stripFences removes markdown fences models sometimes wrap around JSON.
func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}
