// Package invalidate implements the third pipeline stage: deduplicating and
// batching invalidation paths, then purging them from the CDN.
package invalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tendant/simple-trickplay/internal/config"
	"github.com/tendant/simple-trickplay/internal/faults"
	"github.com/tendant/simple-trickplay/internal/metrics"
	"github.com/tendant/simple-trickplay/internal/retry"
	"github.com/tendant/simple-trickplay/pkg/schema"
)

// CDN issues one invalidation call.
type CDN interface {
	Invalidate(ctx context.Context, distributionID string, paths []string) (string, error)
}

type Notifier interface {
	PublishJSON(subject string, v any) error
}

type Invalidator struct {
	cfg    config.Config
	cdn    CDN
	notify Notifier
	logger *slog.Logger
}

func New(cfg config.Config, cdn CDN, notify Notifier, logger *slog.Logger) *Invalidator {
	return &Invalidator{cfg: cfg, cdn: cdn, notify: notify, logger: logger}
}

// Handle invalidates every unique path in the request. Batches that already
// succeeded are not re-issued when a later batch fails; on redelivery the
// whole set is re-sent, which is redundant but harmless since invalidation
// is idempotent by path.
func (v *Invalidator) Handle(ctx context.Context, body string) error {
	start := time.Now()

	var req schema.InvalidationRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		verr := faults.Validationf("decode invalidation request: %v", err)
		v.publishEvent(req, nil, start, verr)
		return verr
	}
	if len(req.PathsToInvalidate) == 0 {
		verr := faults.Validationf("invalidation request for %s has no paths", req.MediaKey)
		v.publishEvent(req, nil, start, verr)
		return verr
	}

	paths, err := NormalizePaths(req.PathsToInvalidate)
	if err != nil {
		v.publishEvent(req, nil, start, err)
		return err
	}

	logger := v.logger.With("media_key", req.MediaKey, "request_id", req.RequestID)
	batches := Batch(paths, v.cfg.InvalidationBatchSize)
	logger.Info("invalidating cache", "unique_paths", len(paths), "batches", len(batches))

	ids := make([]string, 0, len(batches))
	for i, batch := range batches {
		var id string
		err := retry.Do(ctx, v.cfg.MaxAttempts, v.cfg.RetryBaseDelay, func() error {
			var callErr error
			id, callErr = v.cdn.Invalidate(ctx, v.cfg.DistributionID, batch)
			return callErr
		})
		if err != nil {
			v.publishEvent(req, ids, start, err)
			return fmt.Errorf("invalidate batch %d/%d: %w", i+1, len(batches), err)
		}
		metrics.InvalidationBatches.Inc()
		ids = append(ids, id)
		logger.Info("invalidation created", "invalidation_id", id, "paths", len(batch))
	}

	logger.Info("cache invalidated", "invalidations", len(ids), "duration_ms", time.Since(start).Milliseconds())
	v.publishEvent(req, ids, start, nil)
	return nil
}

func (v *Invalidator) publishEvent(req schema.InvalidationRequest, ids []string, start time.Time, cause error) {
	event := schema.StageEvent{
		Stage:            schema.StageInvalidator,
		MediaKey:         req.MediaKey,
		MediaPath:        req.MediaPath,
		RequestID:        req.RequestID,
		InvalidationIDs:  ids,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if cause != nil {
		event.Error = cause.Error()
		event.FailureType = faults.Classify(cause)
	}
	if err := v.notify.PublishJSON(v.cfg.NotifySubject, event); err != nil {
		v.logger.Error("publish stage event failed", "err", err)
	}
}

// NormalizePaths maps each pattern to the CDN's path syntax (single leading
// slash), drops duplicates, and sorts for deterministic batching. An empty
// pattern is a validation error.
func NormalizePaths(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || strings.Trim(p, "/") == "" {
			return nil, faults.Validationf("empty invalidation path pattern")
		}
		p = "/" + strings.TrimLeft(p, "/")
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Batch partitions paths into chunks of at most size.
func Batch(paths []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for len(paths) > size {
		out = append(out, paths[:size])
		paths = paths[size:]
	}
	if len(paths) > 0 {
		out = append(out, paths)
	}
	return out
}
