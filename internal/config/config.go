// Package config loads the pipeline configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Resolution is a fixed thumbnail output size.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string { return fmt.Sprintf("%dx%d", r.Width, r.Height) }

type Config struct {
	Region         string
	Bucket         string
	DistributionID string

	// Trick play settings. Small and big are the only two variants.
	ThumbnailInterval int
	ThumbnailFormat   string
	ThumbsFolder      string
	SmallResolution   Resolution
	BigResolution     Resolution
	SmallBandwidth    int
	BigBandwidth      int

	// MediaBaseURL rewrites s3:// output locations to a URL the extraction
	// binary can read (typically the CDN domain fronting the bucket). Empty
	// means output paths are passed through unchanged.
	MediaBaseURL string

	TriggerQueueURL      string
	ManifestQueueURL     string
	InvalidationQueueURL string
	DeadLetterQueueURL   string

	WaitSeconds       int32
	VisibilityTimeout int32
	MaxConcurrency    int
	MaxAttempts       int
	RetryBaseDelay    time.Duration

	InvalidationBatchSize int

	NATSURL       string
	NotifySubject string

	MetricsAddr string
}

func Load() (Config, error) {
	cfg := Config{
		Region:               getenv("AWS_REGION", "us-east-1"),
		Bucket:               getenv("AWS_S3_BUCKET", ""),
		DistributionID:       getenv("AWS_CLOUDFRONT_DISTRIBUTION_ID", ""),
		ThumbnailFormat:      getenv("THUMBNAIL_FORMAT", "jpg"),
		ThumbsFolder:         getenv("THUMBNAILS_FOLDER", "thumbs"),
		MediaBaseURL:         getenv("MEDIA_BASE_URL", ""),
		TriggerQueueURL:      getenv("SQS_TRIGGER_QUEUE_URL", ""),
		ManifestQueueURL:     getenv("SQS_MANIFEST_QUEUE_URL", ""),
		InvalidationQueueURL: getenv("SQS_CACHE_INVALIDATION_QUEUE_URL", ""),
		DeadLetterQueueURL:   getenv("SQS_DEAD_LETTER_QUEUE_URL", ""),
		NATSURL:              getenv("NATS_URL", ""),
		NotifySubject:        getenv("NOTIFY_SUBJECT", "trickplay.events"),
		MetricsAddr:          getenv("METRICS_ADDR", ":2112"),
		RetryBaseDelay:       500 * time.Millisecond,
	}

	var err error
	if cfg.ThumbnailInterval, err = parsePositiveInt(getenv("THUMBNAIL_INTERVAL", "10"), "THUMBNAIL_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.SmallResolution.Width, err = parsePositiveInt(getenv("THUMBNAIL_WIDTH", "320"), "THUMBNAIL_WIDTH"); err != nil {
		return Config{}, err
	}
	if cfg.SmallResolution.Height, err = parsePositiveInt(getenv("THUMBNAIL_HEIGHT", "180"), "THUMBNAIL_HEIGHT"); err != nil {
		return Config{}, err
	}
	if cfg.BigResolution.Width, err = parsePositiveInt(getenv("THUMBNAIL_BIG_WIDTH", "640"), "THUMBNAIL_BIG_WIDTH"); err != nil {
		return Config{}, err
	}
	if cfg.BigResolution.Height, err = parsePositiveInt(getenv("THUMBNAIL_BIG_HEIGHT", "360"), "THUMBNAIL_BIG_HEIGHT"); err != nil {
		return Config{}, err
	}
	if cfg.SmallBandwidth, err = parsePositiveInt(getenv("THUMBNAIL_SMALL_BANDWIDTH", "16460"), "THUMBNAIL_SMALL_BANDWIDTH"); err != nil {
		return Config{}, err
	}
	if cfg.BigBandwidth, err = parsePositiveInt(getenv("THUMBNAIL_BIG_BANDWIDTH", "32920"), "THUMBNAIL_BIG_BANDWIDTH"); err != nil {
		return Config{}, err
	}

	// Bounded to the SQS limits (20s long-poll wait, 12h visibility) so the
	// int32 conversions below can never truncate.
	wait, err := parseBoundedInt(getenv("SQS_WAIT_SECONDS", "5"), "SQS_WAIT_SECONDS", 20)
	if err != nil {
		return Config{}, err
	}
	cfg.WaitSeconds = int32(wait)

	visibility, err := parseBoundedInt(getenv("SQS_VISIBILITY_TIMEOUT", "300"), "SQS_VISIBILITY_TIMEOUT", 43200)
	if err != nil {
		return Config{}, err
	}
	cfg.VisibilityTimeout = int32(visibility)

	if cfg.MaxConcurrency, err = parsePositiveInt(getenv("MAX_CONCURRENT_JOBS", "4"), "MAX_CONCURRENT_JOBS"); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = parsePositiveInt(getenv("MAX_ATTEMPTS", "3"), "MAX_ATTEMPTS"); err != nil {
		return Config{}, err
	}
	if cfg.InvalidationBatchSize, err = parsePositiveInt(getenv("INVALIDATION_BATCH_SIZE", "30"), "INVALIDATION_BATCH_SIZE"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the settings every stage requires.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("AWS_S3_BUCKET is required")
	}
	if c.DistributionID == "" {
		return fmt.Errorf("AWS_CLOUDFRONT_DISTRIBUTION_ID is required")
	}
	return nil
}

// NotificationsEnabled reports whether a notification bus is configured.
func (c Config) NotificationsEnabled() bool { return c.NATSURL != "" }

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseBoundedInt(value, name string, max int) (int, error) {
	v, err := parsePositiveInt(value, name)
	if err != nil {
		return 0, err
	}
	if v > max {
		return 0, fmt.Errorf("%s must be at most %d (got %d)", name, max, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
