package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiClient is a gateway to Google's Gemini API.
type GeminiClient struct {
	client           *genai.Client
	modelID          string
	defaultMaxTokens int
}

// NewGemini creates a gateway for one Gemini model. The API key comes
// from https://makersuite.google.com/app/apikey and should be supplied
// via the GEMINI_API_KEY environment variable.
func NewGemini(ctx context.Context, apiKey, modelID string, maxNewTokens int) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if maxNewTokens <= 0 {
		maxNewTokens = 256
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{
		client:           client,
		modelID:          modelID,
		defaultMaxTokens: maxNewTokens,
	}, nil
}

// ModelID returns the model this gateway targets.
func (c *GeminiClient) ModelID() string { return c.modelID }

// Generate runs one content generation. Endpoint failures, including
// safety filter blocks that yield no candidates, are encoded in
// Result.Text.
func (c *GeminiClient) Generate(ctx context.Context, spec PromptSpec) Result {
	maxTokens := spec.MaxNewTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	model := c.client.GenerativeModel(c.modelID)
	model.SetTemperature(0)
	model.SetMaxOutputTokens(int32(maxTokens))

	start := time.Now()
	res := Result{Tag: spec.Tag}

	resp, err := model.GenerateContent(ctx, genai.Text(spec.Prompt))
	res.GenTime = time.Since(start)

	if err != nil {
		res.Text = geminiErrorText(err)
		return res
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		res.Text = "[error request] no candidates in response"
		return res
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	res.Text = text
	if resp.UsageMetadata != nil {
		res.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return res
}

// Close releases the underlying gRPC connection.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func geminiErrorText(err error) string {
	var apierr *googleapi.Error
	if errors.As(err, &apierr) {
		return fmt.Sprintf("[error http %d] %s", apierr.Code, snippet(apierr.Message, 200))
	}
	return fmt.Sprintf("[error request] %s", snippet(err.Error(), 200))
}
