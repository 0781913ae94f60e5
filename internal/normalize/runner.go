package normalize

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalhouse/ingest/internal/pipeline"
)

// Runner drains un-normalized raw records from the state store and writes
// their normalized counterparts back. Normalization is idempotent: a raw
// record that already has a normalized document is skipped.
type Runner struct {
	catalog     pipeline.SeedCatalog
	store       pipeline.StateStore
	concurrency int
	logger      *zap.Logger
}

// NewRunner builds a Runner. Concurrency bounds the parallel transform fan-out.
func NewRunner(catalog pipeline.SeedCatalog, store pipeline.StateStore, concurrency int, logger *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		catalog:     catalog,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run normalizes every pending raw record, optionally filtered by industry
// and/or source. Empty filter strings mean "all". Returns the number of
// records normalized.
func (r *Runner) Run(ctx context.Context, industryID, sourceID string) (int, error) {
	partitions, err := r.resolvePartitions(industryID, sourceID)
	if err != nil {
		return 0, err
	}

	normalized := 0
	for _, part := range partitions {
		n, err := r.runPartition(ctx, part.industryID, part.sourceID)
		normalized += n
		if err != nil {
			return normalized, err
		}
	}
	r.logger.Info("normalization finished", zap.Int("records", normalized))
	return normalized, nil
}

type partition struct {
	industryID string
	sourceID   string
}

func (r *Runner) resolvePartitions(industryID, sourceID string) ([]partition, error) {
	if industryID != "" && sourceID != "" {
		return []partition{{industryID: industryID, sourceID: sourceID}}, nil
	}

	industries := r.catalog.AllIndustries()
	if industryID != "" {
		ind, err := r.catalog.Industry(industryID)
		if err != nil {
			return nil, fmt.Errorf("resolve industry: %w", err)
		}
		industries = []pipeline.Industry{ind}
	}

	var parts []partition
	for _, ind := range industries {
		for _, src := range r.catalog.SourcesByIndustry(ind.ID) {
			if sourceID != "" && src.ID != sourceID {
				continue
			}
			parts = append(parts, partition{industryID: ind.ID, sourceID: src.ID})
		}
	}
	return parts, nil
}

func (r *Runner) runPartition(ctx context.Context, industryID, sourceID string) (int, error) {
	records, err := r.store.ListRawData(ctx, industryID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("list raw data %s/%s: %w", industryID, sourceID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	results := make(chan struct{}, len(records))

	for _, raw := range records {
		g.Go(func() error {
			done, err := r.normalizeOne(gctx, raw)
			if err != nil {
				return err
			}
			if done {
				results <- struct{}{}
			}
			return nil
		})
	}
	err = g.Wait()
	close(results)

	normalized := len(results)
	return normalized, err
}

// normalizeOne transforms a single raw record; returns false when the record
// was already normalized.
func (r *Runner) normalizeOne(ctx context.Context, raw pipeline.RawData) (bool, error) {
	_, err := r.store.NormalizedData(ctx, IDFor(raw.ID), raw.IndustryID, raw.SourceID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return false, fmt.Errorf("check normalized %s: %w", raw.ID, err)
	}

	norm, err := Normalize(raw)
	if err != nil {
		r.logger.Warn("raw record not normalizable", zap.String("raw_id", raw.ID), zap.Error(err))
		return false, nil
	}
	if err := r.store.SaveNormalizedData(ctx, norm); err != nil {
		return false, fmt.Errorf("save normalized %s: %w", norm.ID, err)
	}
	return true, nil
}
