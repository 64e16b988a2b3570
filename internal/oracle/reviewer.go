package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/taxolab/taxo/internal/llm"
)

const (
	defaultMaxRetries  = 3
	defaultCallTimeout = 120 * time.Second
	defaultMaxTokens   = 1024
)

// LLMReviewer answers review requests by prompting a chat model and
// bounding its XML reply into the decision taxonomy. A reply that stays
// malformed after retries surfaces as ErrMalformed; transport failures
// surface as-is. The caller decides how to degrade.
type LLMReviewer struct {
	provider    llm.Provider
	maxRetries  int
	callTimeout time.Duration
	backoffUnit time.Duration
	log         zerolog.Logger
}

// NewLLMReviewer wraps a completion provider as a Reviewer.
func NewLLMReviewer(provider llm.Provider, log zerolog.Logger) *LLMReviewer {
	return &LLMReviewer{
		provider:    provider,
		maxRetries:  defaultMaxRetries,
		callTimeout: defaultCallTimeout,
		backoffUnit: time.Second,
		log:         log.With().Str("component", "reviewer").Logger(),
	}
}

func (r *LLMReviewer) Review(ctx context.Context, req Request) (Decision, error) {
	prompt := buildPrompt(req)
	opts := llm.CompletionOpts{
		System:    systemPrompt,
		MaxTokens: defaultMaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * r.backoffUnit):
			}
		}

		raw, err := r.complete(ctx, prompt, opts)
		if err != nil {
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			lastErr = err
			r.log.Warn().Err(err).Str("cluster", req.Cluster.ID).Int("attempt", attempt+1).Msg("completion failed")
			continue
		}

		dec, err := ParseDecision(raw)
		if err == nil {
			err = Validate(req, dec)
		}
		if err != nil {
			lastErr = err
			r.log.Warn().Err(err).Str("cluster", req.Cluster.ID).Int("attempt", attempt+1).Msg("rejected decision")
			continue
		}
		return dec, nil
	}
	return Decision{}, fmt.Errorf("review of %s failed after %d attempts: %w", req.Cluster.ID, r.maxRetries, lastErr)
}

func (r *LLMReviewer) complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.provider.Complete(callCtx, prompt, opts)
}
