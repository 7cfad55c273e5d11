package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoEndpoint is returned by DiscoverBaseURL when no candidate
// endpoint answers the models probe.
var ErrNoEndpoint = errors.New("no reachable completion endpoint")

// VLLMClient talks to a vLLM server (or any OpenAI-compatible
// endpoint) through the OpenAI client library.
//
// It prefers the legacy /v1/completions route because plain prompt
// completion avoids chat-template drift between models. When a server
// does not expose that route, or returns an empty completion, the
// client falls back to /v1/chat/completions for the same prompt.
type VLLMClient struct {
	client  openai.Client
	modelID string

	defaultMaxTokens int
	requestTimeout   time.Duration
}

// VLLMOption configures a VLLMClient.
type VLLMOption func(*vllmConfig)

type vllmConfig struct {
	maxTokens  int
	timeout    time.Duration
	httpClient *http.Client
	maxConns   int
}

// WithMaxNewTokens sets the default completion cap used when a
// PromptSpec does not carry its own.
func WithMaxNewTokens(n int) VLLMOption {
	return func(c *vllmConfig) { c.maxTokens = n }
}

// WithRequestTimeout bounds each generation call.
func WithRequestTimeout(d time.Duration) VLLMOption {
	return func(c *vllmConfig) { c.timeout = d }
}

// WithConnectionPool sizes the idle connection pool to the pipeline
// concurrency so parallel calls reuse sessions instead of
// re-handshaking.
func WithConnectionPool(concurrency int) VLLMOption {
	return func(c *vllmConfig) { c.maxConns = concurrency }
}

// WithHTTPClient overrides the underlying HTTP client. Mainly for
// tests against httptest servers.
func WithHTTPClient(hc *http.Client) VLLMOption {
	return func(c *vllmConfig) { c.httpClient = hc }
}

// NewVLLM creates a gateway for one model on an OpenAI-compatible
// endpoint. baseURL must include the /v1 prefix.
//
// Retries are disabled at the HTTP layer; the pipeline owns the retry
// policy and needs to see every failure exactly once.
func NewVLLM(baseURL, apiKey, modelID string, opts ...VLLMOption) *VLLMClient {
	cfg := vllmConfig{
		maxTokens: 256,
		timeout:   120 * time.Second,
		maxConns:  8,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.maxConns,
				MaxIdleConnsPerHost: cfg.maxConns,
			},
		}
	}
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(hc),
		option.WithRequestTimeout(cfg.timeout),
	)
	return &VLLMClient{
		client:           client,
		modelID:          modelID,
		defaultMaxTokens: cfg.maxTokens,
		requestTimeout:   cfg.timeout,
	}
}

// ModelID returns the model this gateway targets.
func (v *VLLMClient) ModelID() string { return v.modelID }

// Generate runs one completion. Endpoint failures are encoded in
// Result.Text, never returned as errors.
func (v *VLLMClient) Generate(ctx context.Context, spec PromptSpec) Result {
	maxTokens := spec.MaxNewTokens
	if maxTokens <= 0 {
		maxTokens = v.defaultMaxTokens
	}

	start := time.Now()
	res := Result{Tag: spec.Tag}

	text, usage, err := v.complete(ctx, spec.Prompt, maxTokens)
	if shouldFallback(err, text) {
		text, usage, err = v.chatComplete(ctx, spec.Prompt, maxTokens)
	}
	res.GenTime = time.Since(start)

	if err != nil {
		res.Text = errorText(err)
		return res
	}
	res.Text = text
	res.PromptTokens = usage.prompt
	res.CompletionTokens = usage.completion
	return res
}

type tokenUsage struct {
	prompt     int
	completion int
}

func (v *VLLMClient) complete(ctx context.Context, prompt string, maxTokens int) (string, tokenUsage, error) {
	resp, err := v.client.Completions.New(ctx, openai.CompletionNewParams{
		Model:       openai.CompletionNewParamsModel(v.modelID),
		Prompt:      openai.CompletionNewParamsPromptUnion{OfString: openai.String(prompt)},
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", tokenUsage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", tokenUsage{}, nil
	}
	usage := tokenUsage{
		prompt:     int(resp.Usage.PromptTokens),
		completion: int(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Text, usage, nil
}

func (v *VLLMClient) chatComplete(ctx context.Context, prompt string, maxTokens int) (string, tokenUsage, error) {
	resp, err := v.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(v.modelID),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", tokenUsage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", tokenUsage{}, nil
	}
	usage := tokenUsage{
		prompt:     int(resp.Usage.PromptTokens),
		completion: int(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// shouldFallback reports whether a completions failure warrants a
// retry against the chat route. Missing routes (404, 405) and empty
// completions do; hard transport failures do not.
func shouldFallback(err error, text string) bool {
	if err == nil {
		return text == ""
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusNotFound || apierr.StatusCode == http.StatusMethodNotAllowed
	}
	return false
}

// errorText encodes an endpoint failure as a marker the postprocessor
// classifies as transport_error.
func errorText(err error) string {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return fmt.Sprintf("[error http %d] %s", apierr.StatusCode, snippet(apierr.Error(), 200))
	}
	return fmt.Sprintf("[error request] %s", snippet(err.Error(), 200))
}

func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n]
	}
	return s
}

// DiscoverBaseURL probes candidate endpoints with a models listing and
// returns the first that answers.
//
// Candidate order:
//  1. the configured URL, if any
//  2. the configured URL with localhost rewritten to
//     host.docker.internal, covering harnesses running inside a
//     container against a vLLM server on the host
//  3. the VLLM_BASE_URL environment variable, raw and normalized
//  4. http://localhost:8000/v1 and its docker-host twin
//
// A candidate is accepted when its model list is empty or contains
// modelID. Some proxies report an empty list while still serving the
// model, so an empty list is not disqualifying.
func DiscoverBaseURL(ctx context.Context, configured, apiKey, modelID string) (string, error) {
	var candidates []string
	add := func(u string) {
		if u == "" {
			return
		}
		u = NormalizeBaseURL(u)
		for _, c := range candidates {
			if c == u {
				return
			}
		}
		candidates = append(candidates, u)
	}

	add(configured)
	add(rewriteLoopback(configured))
	if env := os.Getenv("VLLM_BASE_URL"); env != "" {
		add(env)
		add(rewriteLoopback(env))
	}
	add("http://localhost:8000/v1")
	add("http://host.docker.internal:8000/v1")

	for _, base := range candidates {
		if probeModels(ctx, base, apiKey, modelID) {
			return base, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrNoEndpoint, strings.Join(candidates, ", "))
}

// rewriteLoopback maps loopback hosts to the Docker host gateway, for
// harnesses running inside a container against a server on the host.
func rewriteLoopback(u string) string {
	u = strings.Replace(u, "localhost", "host.docker.internal", 1)
	return strings.Replace(u, "127.0.0.1", "host.docker.internal", 1)
}

// NormalizeBaseURL ensures a scheme, strips trailing slashes and
// appends the /v1 prefix when missing.
func NormalizeBaseURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	u = strings.TrimRight(u, "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

func probeModels(ctx context.Context, baseURL, apiKey, modelID string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return false
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return false
	}
	if len(listing.Data) == 0 || modelID == "" {
		return true
	}
	for _, m := range listing.Data {
		if m.ID == modelID {
			return true
		}
	}
	return false
}
