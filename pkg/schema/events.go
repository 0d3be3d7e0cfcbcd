// Package schema defines the message shapes exchanged between the pipeline
// stages and the notification events published on the bus.
package schema

import "strings"

// CompletionEvent is the encoder job-complete notification that triggers the
// pipeline. The shape mirrors the MediaConvert event detail delivered by the
// upstream encoding service.
type CompletionEvent struct {
	Detail CompletionDetail `json:"detail"`
}

type CompletionDetail struct {
	EventType          string              `json:"eventType,omitempty"`
	MediaKey           string              `json:"mediaKey"`
	MediaKeyID         string              `json:"mediaKeyId"`
	OutputGroupDetails []OutputGroupDetail `json:"outputGroupDetails"`
}

type OutputGroupDetail struct {
	OutputDetails []OutputDetail `json:"outputDetails"`
}

type OutputDetail struct {
	OutputFilePaths []string `json:"outputFilePaths"`
}

// PlayableOutput returns the first output file path that references an HLS
// playlist, or "" when the event carries none.
func (d CompletionDetail) PlayableOutput() string {
	for _, group := range d.OutputGroupDetails {
		for _, out := range group.OutputDetails {
			for _, path := range out.OutputFilePaths {
				if strings.Contains(path, "m3u8") {
					return path
				}
			}
		}
	}
	return ""
}

// ManifestUpdate is emitted by the generator once every thumbnail for an
// asset has been uploaded. Key lists are ordered by sequence number; that
// order is authoritative for the manifest builder.
type ManifestUpdate struct {
	MediaKey        string   `json:"media_key"`
	MediaPath       string   `json:"media_path"`
	HLSURL          string   `json:"hls_url"`
	SmallThumbnails []string `json:"small_thumbnails"`
	BigThumbnails   []string `json:"big_thumbnails"`
	RequestID       string   `json:"request_id"`
}

// InvalidationRequest is emitted by the manifest builder after the playlist
// documents have been rewritten.
type InvalidationRequest struct {
	MediaKey          string   `json:"media_key"`
	MediaPath         string   `json:"media_path"`
	PathsToInvalidate []string `json:"paths_to_invalidate"`
	RequestID         string   `json:"request_id"`
}

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
	FailureTypeConflict   FailureType = "conflict"
)

// Stage names used in notifications and metrics labels.
const (
	StageGenerator   = "generator"
	StageManifest    = "manifest"
	StageInvalidator = "invalidator"
)

// StageEvent is published on the notification bus after each invocation.
type StageEvent struct {
	Stage            string      `json:"stage"`
	MediaKey         string      `json:"media_key"`
	MediaPath        string      `json:"media_path"`
	RequestID        string      `json:"request_id"`
	SmallCount       int         `json:"small_count,omitempty"`
	BigCount         int         `json:"big_count,omitempty"`
	InvalidationIDs  []string    `json:"invalidation_ids,omitempty"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	Error            string      `json:"error,omitempty"`
	FailureType      FailureType `json:"failure_type,omitempty"`
	HappenedAt       int64       `json:"happened_at"`
}
