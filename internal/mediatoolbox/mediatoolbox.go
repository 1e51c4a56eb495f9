// Package mediatoolbox wraps ffmpeg/ffprobe as external processes: probing
// duration, transcoding video under a byte budget across a fixed profile
// ladder, extracting evenly-spaced frames, and extracting mono 16kHz audio
// for multi-modal request preparation. Every invocation goes through
// exec.CommandContext with captured stdout/stderr.
package mediatoolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/nbot/orchestrator/internal/nberr"
)

// Toolbox wraps the ffmpeg/ffprobe binaries configured for this process.
type Toolbox struct {
	ffmpegBin  string
	ffprobeBin string
	timeout    time.Duration
}

// New creates a Toolbox bound to the given binaries.
func New(ffmpegBin, ffprobeBin string) *Toolbox {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &Toolbox{ffmpegBin: ffmpegBin, ffprobeBin: ffprobeBin, timeout: 120 * time.Second}
}

// Profile is one rung of the video transcode ladder.
type Profile struct {
	Height    int
	CRF       int
	AudioKbps int // 0 means no audio track
}

// ProfileLadder is the fixed descending-quality ladder tried in order
// until the output fits the byte budget.
var ProfileLadder = []Profile{
	{Height: 960, CRF: 32, AudioKbps: 64},
	{Height: 720, CRF: 34, AudioKbps: 48},
	{Height: 640, CRF: 36, AudioKbps: 40},
	{Height: 480, CRF: 38, AudioKbps: 32},
	{Height: 360, CRF: 40, AudioKbps: 0},
}

func (t *Toolbox) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, nberr.New(nberr.Transport, fmt.Sprintf("%s timed out after %s", bin, t.timeout))
		}
		return nil, nberr.Wrap(nberr.Transport, fmt.Sprintf("%s failed: %s", bin, stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

// Probe returns the media duration in seconds via ffprobe.
func (t *Toolbox) Probe(ctx context.Context, path string) (float64, error) {
	out, err := t.run(ctx, t.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, nberr.Wrap(nberr.BadRequest, "parse ffprobe output", err)
	}
	dur, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return 0, nberr.Wrap(nberr.BadRequest, "parse ffprobe duration", err)
	}
	return dur, nil
}

// TranscodeResult is the outcome of a budget-fit transcode attempt.
type TranscodeResult struct {
	Path        string
	Bytes       int64
	ProfileUsed Profile
}

// skipTranscodeThreshold lets very small inputs through untouched; larger
// videos are always re-encoded for consistent quality and size.
const skipTranscodeThreshold = 100_000

// TranscodeUnderBudget tries each rung of ProfileLadder, from highest to
// lowest quality, returning the first output that fits maxBytes.
func (t *Toolbox) TranscodeUnderBudget(ctx context.Context, inputPath, outDir string, maxBytes int64) (TranscodeResult, error) {
	if info, err := os.Stat(inputPath); err == nil &&
		info.Size() <= skipTranscodeThreshold && info.Size() <= maxBytes {
		return TranscodeResult{Path: inputPath, Bytes: info.Size()}, nil
	}

	for _, profile := range ProfileLadder {
		outPath := fmt.Sprintf("%s/transcode_h%d.mp4", outDir, profile.Height)
		if err := t.transcode(ctx, inputPath, outPath, profile); err != nil {
			continue
		}
		info, err := os.Stat(outPath)
		if err != nil {
			continue
		}
		if info.Size() <= maxBytes {
			return TranscodeResult{Path: outPath, Bytes: info.Size(), ProfileUsed: profile}, nil
		}
		os.Remove(outPath)
	}
	return TranscodeResult{}, nberr.New(nberr.RequestTooLarge, "no transcode profile fit the byte budget")
}

func (t *Toolbox) transcode(ctx context.Context, inputPath, outPath string, profile Profile) error {
	vf := fmt.Sprintf(
		"scale=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2,format=yuv420p",
		profile.Height, profile.Height)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", inputPath,
		"-vf", vf,
		"-c:v", "libx264", "-preset", "veryfast", "-crf", strconv.Itoa(profile.CRF),
		"-movflags", "+faststart",
	}
	if profile.AudioKbps > 0 {
		args = append(args, "-c:a", "aac", "-b:a", fmt.Sprintf("%dk", profile.AudioKbps))
	} else {
		args = append(args, "-an")
	}
	args = append(args, outPath)
	_, err := t.run(ctx, t.ffmpegBin, args...)
	return err
}

// EvenlySpacedIndices returns keep frame indices out of total, spread as
// evenly as possible. For keep >= total,
// every index is returned.
func EvenlySpacedIndices(total, keep int) []int {
	if keep <= 0 || total <= 0 {
		return nil
	}
	if keep >= total {
		out := make([]int, total)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if keep == 1 {
		return []int{total / 2}
	}
	out := make([]int, keep)
	for i := 0; i < keep; i++ {
		out[i] = (i * total) / keep
	}
	return out
}

// ExtractFrames extracts frames at the given timestamps (seconds) from
// inputPath into outDir, returning the frame file paths in order.
func (t *Toolbox) ExtractFrames(ctx context.Context, inputPath, outDir string, timestamps []float64) ([]string, error) {
	paths := make([]string, 0, len(timestamps))
	for i, ts := range timestamps {
		outPath := fmt.Sprintf("%s/frame_%03d.jpg", outDir, i)
		_, err := t.run(ctx, t.ffmpegBin,
			"-y", "-ss", strconv.FormatFloat(ts, 'f', 3, 64),
			"-i", inputPath,
			"-frames:v", "1", "-q:v", "2",
			outPath,
		)
		if err != nil {
			return nil, err
		}
		paths = append(paths, outPath)
	}
	return paths, nil
}

// ExtractAudioWav extracts mono 16kHz PCM WAV audio for speech transcription.
func (t *Toolbox) ExtractAudioWav(ctx context.Context, inputPath, outPath string) error {
	_, err := t.run(ctx, t.ffmpegBin,
		"-y", "-i", inputPath,
		"-vn", "-ac", "1", "-ar", "16000",
		outPath,
	)
	return err
}
