package schema

import (
	"encoding/json"
	"testing"
)

const completionJSON = `{
  "detail": {
    "eventType": "COMPLETE",
    "mediaKey": "test-video-123",
    "mediaKeyId": "mk-1",
    "outputGroupDetails": [
      {"outputDetails": [{"outputFilePaths": ["s3://media-bucket/content/test-video-123/video.mp4"]}]},
      {"outputDetails": [{"outputFilePaths": ["s3://media-bucket/content/test-video-123/play.m3u8"]}]}
    ]
  }
}`

func TestCompletionEventDecoding(t *testing.T) {
	var event CompletionEvent
	if err := json.Unmarshal([]byte(completionJSON), &event); err != nil {
		t.Fatalf("unmarshal completion event: %v", err)
	}
	if event.Detail.MediaKey != "test-video-123" {
		t.Fatalf("unexpected media key: %s", event.Detail.MediaKey)
	}
	if got := event.Detail.PlayableOutput(); got != "s3://media-bucket/content/test-video-123/play.m3u8" {
		t.Fatalf("PlayableOutput = %s", got)
	}
}

func TestPlayableOutputSkipsNonPlaylistOutputs(t *testing.T) {
	detail := CompletionDetail{
		OutputGroupDetails: []OutputGroupDetail{
			{OutputDetails: []OutputDetail{{OutputFilePaths: []string{
				"s3://b/content/v/video.mp4",
				"s3://b/content/v/poster.jpg",
			}}}},
		},
	}
	if got := detail.PlayableOutput(); got != "" {
		t.Fatalf("expected no playable output, got %s", got)
	}

	detail.OutputGroupDetails = append(detail.OutputGroupDetails, OutputGroupDetail{
		OutputDetails: []OutputDetail{{OutputFilePaths: []string{"s3://b/content/v/play.m3u8"}}},
	})
	if got := detail.PlayableOutput(); got != "s3://b/content/v/play.m3u8" {
		t.Fatalf("PlayableOutput = %s", got)
	}
}

func TestPlayableOutputEmptyEvent(t *testing.T) {
	if got := (CompletionDetail{}).PlayableOutput(); got != "" {
		t.Fatalf("expected empty string, got %s", got)
	}
}
