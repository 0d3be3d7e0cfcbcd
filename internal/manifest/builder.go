// Package manifest implements the second pipeline stage: rendering the trick
// play variant playlists, merging the image streams into the master playlist,
// and emitting the cache-invalidation request.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/tendant/simple-trickplay/internal/config"
	"github.com/tendant/simple-trickplay/internal/faults"
	"github.com/tendant/simple-trickplay/internal/generator"
	"github.com/tendant/simple-trickplay/internal/retry"
	"github.com/tendant/simple-trickplay/pkg/schema"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// ObjectStore reads and rewrites playlist documents.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	PutIfMatch(ctx context.Context, key string, body []byte, contentType, etag string) error
}

type Sender interface {
	Send(ctx context.Context, queueURL string, v any) error
}

type Notifier interface {
	PublishJSON(subject string, v any) error
}

type Builder struct {
	cfg    config.Config
	store  ObjectStore
	queue  Sender
	notify Notifier
	logger *slog.Logger
}

func New(cfg config.Config, store ObjectStore, queue Sender, notify Notifier, logger *slog.Logger) *Builder {
	return &Builder{cfg: cfg, store: store, queue: queue, notify: notify, logger: logger}
}

// Handle rewrites the three playlist documents for one asset and emits the
// invalidation request. Every write is a full-document overwrite. The master
// playlist is replaced first, conditionally on the ETag read; winning that
// condition is the invocation's exclusive claim on the asset, so a stale
// concurrent writer fails the precondition before it can clobber the variant
// playlists a newer writer already produced.
func (b *Builder) Handle(ctx context.Context, body string) error {
	start := time.Now()

	var msg schema.ManifestUpdate
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		verr := faults.Validationf("decode manifest update: %v", err)
		b.publishEvent(msg, start, verr)
		return verr
	}
	if msg.MediaPath == "" || msg.HLSURL == "" {
		verr := faults.Validationf("manifest update missing media_path or hls_url")
		b.publishEvent(msg, start, verr)
		return verr
	}
	if len(msg.SmallThumbnails) == 0 || len(msg.BigThumbnails) == 0 {
		verr := faults.Validationf("manifest update for %s has empty thumbnail list", msg.MediaKey)
		b.publishEvent(msg, start, verr)
		return verr
	}

	logger := b.logger.With("media_key", msg.MediaKey, "request_id", msg.RequestID)
	logger.Info("building manifests", "media_path", msg.MediaPath,
		"small_count", len(msg.SmallThumbnails), "big_count", len(msg.BigThumbnails))

	variants := []struct {
		thumbnails []string
		resolution string
		bandwidth  int
	}{
		{msg.SmallThumbnails, b.cfg.SmallResolution.String(), b.cfg.SmallBandwidth},
		{msg.BigThumbnails, b.cfg.BigResolution.String(), b.cfg.BigBandwidth},
	}

	if err := b.updateMaster(ctx, msg, logger); err != nil {
		b.publishEvent(msg, start, err)
		return err
	}

	relative := RelativeThumbPath(msg.MediaPath, b.cfg.ThumbsFolder)
	for _, v := range variants {
		playlist := VariantPlaylist(v.thumbnails, v.resolution, b.cfg.ThumbnailInterval, relative)
		key := VariantManifestKey(msg.MediaPath, v.resolution)
		err := retry.Do(ctx, b.cfg.MaxAttempts, b.cfg.RetryBaseDelay, func() error {
			return b.store.Put(ctx, key, []byte(playlist), playlistContentType)
		})
		if err != nil {
			b.publishEvent(msg, start, err)
			return fmt.Errorf("write variant manifest %s: %w", key, err)
		}
		logger.Info("variant manifest written", "key", key)
	}

	invalidation := schema.InvalidationRequest{
		MediaKey:          msg.MediaKey,
		MediaPath:         msg.MediaPath,
		PathsToInvalidate: b.invalidationPaths(msg),
		RequestID:         msg.RequestID,
	}
	if err := b.queue.Send(ctx, b.cfg.InvalidationQueueURL, invalidation); err != nil {
		b.publishEvent(msg, start, err)
		return fmt.Errorf("emit invalidation request: %w", err)
	}

	logger.Info("manifests updated", "duration_ms", time.Since(start).Milliseconds())
	b.publishEvent(msg, start, nil)
	return nil
}

// updateMaster inserts the image-stream references into the master playlist.
// The conditional replace is issued even when the references are already
// present: winning the If-Match serializes writers per asset, and the variant
// playlist writes that follow ride on that claim. A precondition failure
// means a newer writer finished first, and this invocation abandons all of
// its writes.
func (b *Builder) updateMaster(ctx context.Context, msg schema.ManifestUpdate, logger *slog.Logger) error {
	masterKey := generator.ObjectKey(msg.HLSURL)

	return retry.Do(ctx, b.cfg.MaxAttempts, b.cfg.RetryBaseDelay, func() error {
		current, etag, err := b.store.Get(ctx, masterKey)
		if err != nil {
			return fmt.Errorf("read master playlist: %w", err)
		}

		updated := string(current)
		changed := false
		for _, v := range []struct {
			resolution string
			bandwidth  int
		}{
			{b.cfg.SmallResolution.String(), b.cfg.SmallBandwidth},
			{b.cfg.BigResolution.String(), b.cfg.BigBandwidth},
		} {
			next, inserted := InsertImageStream(updated, VariantManifestName(v.resolution), v.resolution, v.bandwidth)
			updated = next
			changed = changed || inserted
		}

		if err := b.store.PutIfMatch(ctx, masterKey, []byte(updated), playlistContentType, etag); err != nil {
			if isPreconditionFailed(err) {
				return faults.Conflict(fmt.Errorf("master playlist %s changed under us: %w", masterKey, err))
			}
			return fmt.Errorf("write master playlist: %w", err)
		}
		if changed {
			logger.Info("master playlist updated", "key", masterKey)
		} else {
			logger.Info("master playlist already references image streams", "key", masterKey)
		}
		return nil
	})
}

func (b *Builder) invalidationPaths(msg schema.ManifestUpdate) []string {
	masterKey := generator.ObjectKey(msg.HLSURL)
	return []string{
		"/" + masterKey,
		"/" + VariantManifestKey(msg.MediaPath, b.cfg.SmallResolution.String()),
		"/" + VariantManifestKey(msg.MediaPath, b.cfg.BigResolution.String()),
		"/" + msg.MediaPath + b.cfg.ThumbsFolder + "/*",
	}
}

func (b *Builder) publishEvent(msg schema.ManifestUpdate, start time.Time, cause error) {
	event := schema.StageEvent{
		Stage:            schema.StageManifest,
		MediaKey:         msg.MediaKey,
		MediaPath:        msg.MediaPath,
		RequestID:        msg.RequestID,
		SmallCount:       len(msg.SmallThumbnails),
		BigCount:         len(msg.BigThumbnails),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if cause != nil {
		event.Error = cause.Error()
		event.FailureType = faults.Classify(cause)
	}
	if err := b.notify.PublishJSON(b.cfg.NotifySubject, event); err != nil {
		b.logger.Error("publish stage event failed", "err", err)
	}
}

// VariantManifestName is the playlist filename for one resolution.
func VariantManifestName(resolution string) string {
	return fmt.Sprintf("thumbs_%s.m3u8", resolution)
}

// VariantManifestKey is the full storage key for a variant playlist.
func VariantManifestKey(mediaPath, resolution string) string {
	return mediaPath + VariantManifestName(resolution)
}

// RelativeThumbPath is the image path prefix used inside a variant playlist,
// relative to the playlist's own location.
func RelativeThumbPath(mediaPath, folder string) string {
	if strings.Contains(mediaPath, "hls/") {
		return "../" + folder + "/"
	}
	return folder + "/"
}

// VariantPlaylist renders the image playlist for one resolution. Thumbnail
// order is authoritative from the input; entries are never re-sorted here.
func VariantPlaylist(thumbnails []string, resolution string, intervalSeconds int, relative string) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%d\n", intervalSeconds)
	sb.WriteString("#EXT-X-VERSION:7\n")
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:1\n")
	sb.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	sb.WriteString("#EXT-X-IMAGES-ONLY\n")
	sb.WriteString("\n")

	for _, key := range thumbnails {
		fmt.Fprintf(&sb, "#EXTINF:%d.000,\n", intervalSeconds)
		fmt.Fprintf(&sb, "#EXT-X-TILES:RESOLUTION=%s,LAYOUT=1x1,DURATION=%d.000\n", resolution, intervalSeconds)
		sb.WriteString(relative + path.Base(key) + "\n")
		sb.WriteString("\n")
	}

	sb.WriteString("#EXT-X-ENDLIST")
	return sb.String()
}

// InsertImageStream adds an EXT-X-IMAGE-STREAM-INF reference to a master
// playlist. It reports false when the playlist already references the
// manifest, which keeps redelivered updates idempotent.
func InsertImageStream(playlist, manifestName, resolution string, bandwidth int) (string, bool) {
	if strings.Contains(playlist, manifestName) {
		return playlist, false
	}

	line := fmt.Sprintf("#EXT-X-IMAGE-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s,CODECS=\"jpeg\",URI=%q\n",
		bandwidth, resolution, manifestName)

	if strings.Contains(playlist, "#EXT-X-STREAM-INF") {
		return strings.Replace(playlist, "#EXT-X-STREAM-INF", line+"#EXT-X-STREAM-INF", 1), true
	}
	if strings.Contains(playlist, "#EXT-X-ENDLIST") {
		return strings.Replace(playlist, "#EXT-X-ENDLIST", line+"#EXT-X-ENDLIST", 1), true
	}
	return playlist + "\n" + line, true
}

func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode() == "PreconditionFailed"
	}
	return false
}
