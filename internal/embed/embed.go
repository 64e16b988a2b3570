// Package embed provides the vectorizer contract: text to fixed-length
// vector via OpenAI-compatible /v1/embeddings endpoints. Vectors are
// deterministic for identical input, which is what makes the content-hash
// cache in internal/store safe.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable wraps every failure to produce vectors after retries.
// Callers may retry the whole operation later; the text itself is never
// the problem.
var ErrUnavailable = errors.New("embed: unavailable")

// Vectorizer generates embedding vectors from text.
type Vectorizer interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider    string // "ollama", "openai", "deepseek", "openrouter", "custom"
	Model       string
	Endpoint    string // full API URL
	APIKey      string
	MaxRetries  int // default: 3
	TimeoutSecs int // per-request timeout (default: 60)

	dimensions int // detected from the first response
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// HTTPError carries status and Retry-After context for failed calls.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

var providerEndpoints = map[string]string{
	"ollama":     "http://localhost:11434/v1/embeddings",
	"openai":     "https://api.openai.com/v1/embeddings",
	"deepseek":   "https://api.deepseek.com/v1/embeddings",
	"openrouter": "https://openrouter.ai/api/v1/embeddings",
}

var providerKeyEnvs = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// ParseFlag parses "--embed provider/model" into a Config. Model names may
// themselves contain slashes ("openrouter/sentence-transformers/all-MiniLM-L6-v2").
func ParseFlag(flag string) (*Config, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}
	slash := strings.Index(flag, "/")
	if slash <= 0 || slash == len(flag)-1 {
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}

	cfg := &Config{
		Provider:    flag[:slash],
		Model:       flag[slash+1:],
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	switch cfg.Provider {
	case "ollama", "openai", "deepseek", "openrouter":
		cfg.Endpoint = providerEndpoints[cfg.Provider]
		if env := providerKeyEnvs[cfg.Provider]; env != "" {
			cfg.APIKey = os.Getenv(env)
		}
	case "custom":
		cfg.Endpoint = os.Getenv("TAXO_EMBED_ENDPOINT")
		cfg.APIKey = os.Getenv("TAXO_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: ollama, openai, deepseek, openrouter, custom)", cfg.Provider)
	}

	if endpoint := os.Getenv("TAXO_EMBED_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if key := os.Getenv("TAXO_EMBED_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	return cfg, nil
}

// Validate checks the configuration is complete enough to make calls.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Provider != "ollama" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q", c.Provider)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Client implements Vectorizer over HTTP.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a vectorizer client from a validated config.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embed config: %w", err)
	}
	return &Client{
		config: *cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}, nil
}

// Embed generates the vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected 1 vector, got %d", ErrUnavailable, len(vectors))
	}
	return vectors[0], nil
}

// EmbedBatch generates vectors for multiple texts in one call, retrying
// with exponential backoff (honoring Retry-After on 429s). The result is
// index-aligned with the input; blank inputs yield nil vectors.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	nonEmpty := make([]string, 0, len(texts))
	indexMap := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			// Newlines degrade some embedding models; the ingest pipeline
			// flattens them before hashing for the same reason.
			nonEmpty = append(nonEmpty, strings.ReplaceAll(text, "\n", " "))
			indexMap = append(indexMap, i)
		}
	}
	if len(nonEmpty) == 0 {
		return make([][]float32, len(texts)), nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		vectors, err := c.attempt(ctx, nonEmpty)
		if err == nil {
			result := make([][]float32, len(texts))
			for i, v := range vectors {
				result[indexMap[i]] = v
			}
			for _, v := range vectors {
				if len(v) > 0 {
					c.config.dimensions = len(v)
					break
				}
			}
			return result, nil
		}
		lastErr = err
		if attempt == c.config.MaxRetries {
			break
		}

		backoff := time.Duration(1<<attempt) * time.Second
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			backoff = httpErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("%w: after %d attempts: %v", ErrUnavailable, c.config.MaxRetries+1, lastErr)
}

// Dimensions returns the vector size seen so far (0 before the first call).
func (c *Client) Dimensions() int { return c.config.dimensions }

func (c *Client) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(apiRequest{Model: c.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody), RetryAfter: retryAfter}
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d vectors, got %d", len(texts), len(parsed.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("invalid vector index: %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
