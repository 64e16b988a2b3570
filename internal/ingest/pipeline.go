package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taxolab/taxo/internal/cluster"
	"github.com/taxolab/taxo/internal/embed"
	"github.com/taxolab/taxo/internal/store"
)

const (
	// DefaultBatchSize is how many texts go into one embedding call.
	DefaultBatchSize = 256
	// minSuccessRatio is the fraction of records that must end up with a
	// vector; below it the dataset is too degraded to cluster honestly.
	minSuccessRatio = 0.9
)

// Pipeline vectorizes records, serving repeats from the store's vector
// cache and writing fresh vectors back to it.
type Pipeline struct {
	vec       embed.Vectorizer
	cache     *store.Store
	model     string
	batchSize int
	log       zerolog.Logger
}

// NewPipeline builds a pipeline. The model name keys the cache, so it
// must match what the vectorizer actually calls.
func NewPipeline(vec embed.Vectorizer, cache *store.Store, model string, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		vec:       vec,
		cache:     cache,
		model:     model,
		batchSize: DefaultBatchSize,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// Items turns records into embedded items. Records whose embedding fails
// are dropped with a warning; if more than 10% drop, the whole load fails.
func (p *Pipeline) Items(ctx context.Context, records []Record) ([]cluster.Item, error) {
	items := make([]cluster.Item, 0, len(records))
	var misses []Record

	for _, rec := range records {
		vec, hit, err := p.cache.CachedVector(ctx, p.model, cacheText(rec.Text))
		if err != nil {
			return nil, fmt.Errorf("reading vector cache: %w", err)
		}
		if hit {
			items = append(items, cluster.Item{ID: rec.ID, Text: rec.Text, Vector: vec})
			continue
		}
		misses = append(misses, rec)
	}
	p.log.Info().Int("records", len(records)).Int("cached", len(items)).Int("to_embed", len(misses)).Msg("vector cache checked")

	for start := 0; start < len(misses); start += p.batchSize {
		end := start + p.batchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]

		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = rec.Text
		}
		vectors, err := p.vec.EmbedBatch(ctx, texts)
		if err != nil {
			p.log.Warn().Err(err).Int("batch_start", start).Msg("embedding batch failed")
			continue
		}
		for i, rec := range batch {
			if len(vectors[i]) == 0 {
				p.log.Warn().Str("item", rec.ID).Msg("empty vector, dropping record")
				continue
			}
			if err := p.cache.PutVector(ctx, p.model, cacheText(rec.Text), vectors[i]); err != nil {
				return nil, fmt.Errorf("writing vector cache: %w", err)
			}
			items = append(items, cluster.Item{ID: rec.ID, Text: rec.Text, Vector: vectors[i]})
		}
	}

	if len(items) < int(minSuccessRatio*float64(len(records))) {
		return nil, fmt.Errorf("%w: only %d of %d records embedded", embed.ErrUnavailable, len(items), len(records))
	}
	return items, nil
}

// cacheText normalizes text before hashing, matching the flattening the
// embed client applies before sending.
func cacheText(text string) string {
	return strings.ReplaceAll(text, "\n", " ")
}
