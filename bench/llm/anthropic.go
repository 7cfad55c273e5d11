package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is a gateway to Anthropic's Messages API.
//
// API-hosted models have no completions route, so every prompt goes
// through the chat surface directly.
type AnthropicClient struct {
	client           *anthropic.Client
	modelID          string
	defaultMaxTokens int
}

// NewAnthropic creates a gateway for one Claude model. The API key is
// obtained from https://console.anthropic.com/ and should come from
// the ANTHROPIC_API_KEY environment variable, never from code.
func NewAnthropic(apiKey, modelID string, maxNewTokens int) *AnthropicClient {
	if maxNewTokens <= 0 {
		maxNewTokens = 256
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &AnthropicClient{
		client:           &client,
		modelID:          modelID,
		defaultMaxTokens: maxNewTokens,
	}
}

// ModelID returns the model this gateway targets.
func (c *AnthropicClient) ModelID() string { return c.modelID }

// Generate runs one message exchange. Endpoint failures are encoded in
// Result.Text, never returned as errors.
func (c *AnthropicClient) Generate(ctx context.Context, spec PromptSpec) Result {
	maxTokens := spec.MaxNewTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	start := time.Now()
	res := Result{Tag: spec.Tag}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.modelID),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(spec.Prompt)),
		},
	})
	res.GenTime = time.Since(start)

	if err != nil {
		res.Text = anthropicErrorText(err)
		return res
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	res.Text = text
	res.PromptTokens = int(message.Usage.InputTokens)
	res.CompletionTokens = int(message.Usage.OutputTokens)
	return res
}

func anthropicErrorText(err error) string {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return fmt.Sprintf("[error http %d] %s", apierr.StatusCode, snippet(apierr.Error(), 200))
	}
	return fmt.Sprintf("[error request] %s", snippet(err.Error(), 200))
}
