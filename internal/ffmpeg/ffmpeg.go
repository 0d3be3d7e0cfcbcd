// Package ffmpeg invokes the ffmpeg/ffprobe binaries for duration probing
// and timestamped frame extraction.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tendant/simple-trickplay/internal/faults"
)

type Extractor struct{}

func New() *Extractor { return &Extractor{} }

// Probe returns the media duration in seconds. A source ffprobe cannot read
// is permanent: redelivery will not make a corrupt stream playable.
func (e *Extractor) Probe(ctx context.Context, input string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1",
		input,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, faults.Permanent(fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(out)))
	}

	duration, err := parseDuration(string(out))
	if err != nil {
		return 0, faults.Permanent(fmt.Errorf("probe %s: %w", input, err))
	}
	return duration, nil
}

// ExtractFrame captures a single frame at timestamp seconds, scaled to
// width x height, and writes it to output.
func (e *Extractor) ExtractFrame(ctx context.Context, input string, timestamp float64, width, height int, output string) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	// -ss before -i seeks on the demuxer, which is much faster for HLS input.
	args := []string{
		"-ss", strconv.FormatFloat(timestamp, 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-pix_fmt", "yuvj420p", // full-range YUV for JPEG
		"-q:v", "2",
		"-y",
		output,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed at %.3fs: %w\nOutput: %s", timestamp, err, string(out))
	}
	return nil
}

func parseDuration(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "=", 2)
		if len(parts) != 2 || parts[0] != "duration" {
			continue
		}
		d, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", parts[1], err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("non-positive duration %v", d)
		}
		return d, nil
	}
	return 0, fmt.Errorf("no duration in probe output")
}
