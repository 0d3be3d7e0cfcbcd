// Package generator implements the first pipeline stage: turning one
// encoding-completion event into the full set of trick play thumbnails for
// an asset, plus the manifest-update request for the next stage.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-trickplay/internal/config"
	"github.com/tendant/simple-trickplay/internal/faults"
	"github.com/tendant/simple-trickplay/internal/metrics"
	"github.com/tendant/simple-trickplay/internal/retry"
	"github.com/tendant/simple-trickplay/pkg/schema"
)

// Media is the frame-extraction collaborator.
type Media interface {
	Probe(ctx context.Context, input string) (float64, error)
	ExtractFrame(ctx context.Context, input string, timestamp float64, width, height int, output string) error
}

// ObjectStore persists thumbnail images.
type ObjectStore interface {
	PutFile(ctx context.Context, key, path, contentType string) error
}

// Sender hands the manifest-update request to the next stage.
type Sender interface {
	Send(ctx context.Context, queueURL string, v any) error
}

// Notifier publishes stage events. A nil bus client satisfies it as a no-op.
type Notifier interface {
	PublishJSON(subject string, v any) error
}

type Generator struct {
	cfg    config.Config
	media  Media
	store  ObjectStore
	queue  Sender
	notify Notifier
	logger *slog.Logger
}

func New(cfg config.Config, media Media, store ObjectStore, queue Sender, notify Notifier, logger *slog.Logger) *Generator {
	return &Generator{cfg: cfg, media: media, store: store, queue: queue, notify: notify, logger: logger}
}

// Handle processes one completion event to completion. Thumbnail keys are
// derived deterministically from the asset, so redelivered events overwrite
// identical keys and the stage stays idempotent.
func (g *Generator) Handle(ctx context.Context, body string) error {
	start := time.Now()

	requestID := uuid.NewString()

	var evt schema.CompletionEvent
	if err := json.Unmarshal([]byte(body), &evt); err != nil {
		verr := faults.Validationf("decode completion event: %v", err)
		g.publishEvent("", "", requestID, 0, start, verr)
		return verr
	}

	mediaKey := evt.Detail.MediaKey
	mediaPath := evt.Detail.MediaKeyID
	if mediaKey == "" || mediaPath == "" {
		verr := faults.Validationf("completion event missing mediaKey or mediaKeyId")
		g.publishEvent(mediaKey, mediaPath, requestID, 0, start, verr)
		return verr
	}

	hlsURL := evt.Detail.PlayableOutput()
	if hlsURL == "" {
		verr := faults.Validationf("no HLS output in completion event for %s", mediaKey)
		g.publishEvent(mediaKey, mediaPath, requestID, 0, start, verr)
		return verr
	}

	logger := g.logger.With("media_key", mediaKey, "request_id", requestID)
	logger.Info("generating thumbnails", "media_path", mediaPath, "hls_url", hlsURL)

	source := g.sourceLocation(hlsURL)

	duration, err := g.media.Probe(ctx, source)
	if err != nil {
		g.publishEvent(mediaKey, mediaPath, requestID, 0, start, err)
		return fmt.Errorf("probe source: %w", err)
	}

	timestamps := Timestamps(duration, g.cfg.ThumbnailInterval)
	if len(timestamps) == 0 {
		err := faults.Validationf("media %s too short for thumbnails (duration %.3fs)", mediaKey, duration)
		g.publishEvent(mediaKey, mediaPath, requestID, 0, start, err)
		return err
	}
	logger.Info("probed source", "duration_s", duration, "thumbnail_count", len(timestamps))

	tmpDir, err := os.MkdirTemp("", "trickplay-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// Storage keys are a pure function of the asset and sequence number,
	// computed up front so output ordering never depends on goroutine
	// completion order.
	smallKeys := make([]string, len(timestamps))
	bigKeys := make([]string, len(timestamps))
	for i := range timestamps {
		seq := i + 1
		smallKeys[i] = ThumbnailKey(mediaPath, g.cfg.ThumbsFolder, mediaKey, SmallSuffix, seq, g.cfg.ThumbnailFormat)
		bigKeys[i] = ThumbnailKey(mediaPath, g.cfg.ThumbsFolder, mediaKey, BigSuffix, seq, g.cfg.ThumbnailFormat)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.cfg.MaxConcurrency)
	for i, ts := range timestamps {
		i, ts := i, ts
		group.Go(func() error {
			return g.processFrame(groupCtx, source, ts, tmpDir, i+1, smallKeys[i], bigKeys[i])
		})
	}
	// All uploads must land before the manifest-update is emitted; this wait
	// is the stage's single synchronization barrier.
	if err := group.Wait(); err != nil {
		g.publishEvent(mediaKey, mediaPath, requestID, len(timestamps), start, err)
		return fmt.Errorf("generate thumbnails for %s: %w", mediaKey, err)
	}

	msg := schema.ManifestUpdate{
		MediaKey:        mediaKey,
		MediaPath:       mediaPath,
		HLSURL:          hlsURL,
		SmallThumbnails: smallKeys,
		BigThumbnails:   bigKeys,
		RequestID:       requestID,
	}
	if err := g.queue.Send(ctx, g.cfg.ManifestQueueURL, msg); err != nil {
		g.publishEvent(mediaKey, mediaPath, requestID, len(timestamps), start, err)
		return fmt.Errorf("emit manifest update: %w", err)
	}

	logger.Info("thumbnails generated", "small_count", len(smallKeys), "big_count", len(bigKeys),
		"duration_ms", time.Since(start).Milliseconds())
	g.publishEvent(mediaKey, mediaPath, requestID, len(timestamps), start, nil)
	return nil
}

// processFrame extracts the big frame at ts, derives the small variant from
// it, and uploads both.
func (g *Generator) processFrame(ctx context.Context, source string, ts float64, tmpDir string, seq int, smallKey, bigKey string) error {
	bigLocal := filepath.Join(tmpDir, fmt.Sprintf("big.%05d.%s", seq, g.cfg.ThumbnailFormat))
	smallLocal := filepath.Join(tmpDir, fmt.Sprintf("small.%05d.%s", seq, g.cfg.ThumbnailFormat))

	err := retry.Do(ctx, g.cfg.MaxAttempts, g.cfg.RetryBaseDelay, func() error {
		return g.media.ExtractFrame(ctx, source, ts, g.cfg.BigResolution.Width, g.cfg.BigResolution.Height, bigLocal)
	})
	if err != nil {
		return fmt.Errorf("extract frame %d: %w", seq, err)
	}

	// The small variant is an exact downscale of the big frame; one decode
	// pass of the source per timestamp.
	frame, err := imaging.Open(bigLocal)
	if err != nil {
		return fmt.Errorf("open frame %d: %w", seq, err)
	}
	small := imaging.Resize(frame, g.cfg.SmallResolution.Width, g.cfg.SmallResolution.Height, imaging.Lanczos)
	if err := imaging.Save(small, smallLocal); err != nil {
		return fmt.Errorf("save small frame %d: %w", seq, err)
	}

	contentType := ContentType(g.cfg.ThumbnailFormat)
	if err := retry.Do(ctx, g.cfg.MaxAttempts, g.cfg.RetryBaseDelay, func() error {
		return g.store.PutFile(ctx, bigKey, bigLocal, contentType)
	}); err != nil {
		return fmt.Errorf("upload %s: %w", bigKey, err)
	}
	metrics.ThumbnailsUploaded.WithLabelValues("big").Inc()

	if err := retry.Do(ctx, g.cfg.MaxAttempts, g.cfg.RetryBaseDelay, func() error {
		return g.store.PutFile(ctx, smallKey, smallLocal, contentType)
	}); err != nil {
		return fmt.Errorf("upload %s: %w", smallKey, err)
	}
	metrics.ThumbnailsUploaded.WithLabelValues("small").Inc()

	return nil
}

// sourceLocation resolves the event's output file path to something the
// extraction binary can read. s3:// locations are rewritten onto the
// configured media base URL (the CDN domain fronting the bucket).
func (g *Generator) sourceLocation(hlsURL string) string {
	if g.cfg.MediaBaseURL == "" || !strings.HasPrefix(hlsURL, "s3://") {
		return hlsURL
	}
	key := ObjectKey(hlsURL)
	return strings.TrimSuffix(g.cfg.MediaBaseURL, "/") + "/" + key
}

func (g *Generator) publishEvent(mediaKey, mediaPath, requestID string, count int, start time.Time, cause error) {
	event := schema.StageEvent{
		Stage:            schema.StageGenerator,
		MediaKey:         mediaKey,
		MediaPath:        mediaPath,
		RequestID:        requestID,
		SmallCount:       count,
		BigCount:         count,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if cause != nil {
		event.Error = cause.Error()
		event.FailureType = faults.Classify(cause)
	}
	if err := g.notify.PublishJSON(g.cfg.NotifySubject, event); err != nil {
		g.logger.Error("publish stage event failed", "err", err)
	}
}

const (
	SmallSuffix = "_small"
	BigSuffix   = "_big"
)

// Timestamps returns the capture instants: 0, interval, 2*interval, ...
// strictly below duration.
func Timestamps(duration float64, intervalSeconds int) []float64 {
	if duration <= 0 || intervalSeconds <= 0 {
		return nil
	}
	var out []float64
	for ts := 0.0; ts < duration; ts += float64(intervalSeconds) {
		out = append(out, ts)
	}
	return out
}

// ThumbnailKey derives the storage key for one frame. Sequence numbers are
// 1-based and zero-padded so lexical order equals playback order.
func ThumbnailKey(mediaPath, folder, mediaKey, suffix string, seq int, format string) string {
	return fmt.Sprintf("%s%s/%s%s.%05d.%s", mediaPath, folder, mediaKey, suffix, seq, format)
}

// ObjectKey strips the s3://bucket/ prefix from a storage URL.
func ObjectKey(url string) string {
	trimmed := strings.TrimPrefix(url, "s3://")
	if i := strings.Index(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// ContentType maps a thumbnail format to its MIME type.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}
