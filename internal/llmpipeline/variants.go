package llmpipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nbot/orchestrator/internal/media"
	"github.com/nbot/orchestrator/internal/mediatoolbox"
	"github.com/nbot/orchestrator/internal/nberr"
)

const (
	defaultMaxFrames       = 8
	maxFrameHalvingRetries = 4
	maxMediaBundleRetries  = 4
	maxDirectVideoRetries  = 3

	// budgetHeadroom is subtracted from the request byte limit on top of
	// the measured skeleton size, covering HTTP headers and serialization
	// slack.
	budgetHeadroom = 32 * 1024

	frameImageMaxDim   = 1024
	frameImageMaxBytes = 2 * 1024 * 1024
)

// Deps bundles the external collaborators the variants call out to.
type Deps struct {
	HTTPClient *http.Client
	Media      *mediatoolbox.Toolbox
	TempDir    string
	// GetRecordBase64 fetches a OneBot get_record response's base64 WAV
	// payload when record_file is present, which handles silk/amr encoded
	// voice messages the downloader can't.
	GetRecordBase64 func(ctx context.Context, recordFile string) (string, bool, error)
	// Transcribe uploads a WAV file for speech-to-text; backed by
	// llmgateway.AudioTranscription.
	Transcribe func(ctx context.Context, wavPath, filename string) (string, error)
}

// Text handles the plain CallLlmAndForward variant: inline content,
// wrapped in nonce-tagged markers, submitted directly.
func (c *Context) Text(ctx context.Context, content string, maxTokens int) (string, error) {
	wrapped, err := wrapUntrusted("DOCUMENT", content)
	if err != nil {
		return "", err
	}
	return c.Submit(ctx, []map[string]any{TextContentPart(wrapped)}, maxTokens)
}

// TextFromUrl downloads a remote text document, truncates by codepoints,
// and proceeds as Text.
func (c *Context) TextFromUrl(ctx context.Context, d Deps, url string, timeoutMs int, maxBytes int64, maxChars, maxTokens int) (string, map[string]any, error) {
	data, err := downloadToMemory(ctx, d.HTTPClient, url, timeoutMs, maxBytes)
	if err != nil {
		return "", nil, err
	}
	text, truncated := truncateCodepoints(string(data), clampMaxChars(maxChars))
	c.setDocumentMeta(map[string]any{"source_url": url, "truncated": truncated})
	reply, err := c.Text(ctx, text, maxTokens)
	return reply, map[string]any{"truncated": truncated}, err
}

// ArchiveFromUrl downloads an archive, selects its best log/text entry by
// score, extracts it up to the byte cap, truncates to 200000 codepoints,
// and proceeds as Text.
func (c *Context) ArchiveFromUrl(ctx context.Context, d Deps, url string, timeoutMs int, maxBytes, maxFileBytes, maxExtractBytes int64, keywords []string, maxTokens int) (string, error) {
	data, err := downloadToMemory(ctx, d.HTTPClient, url, timeoutMs, maxBytes)
	if err != nil {
		return "", err
	}
	kind := DetectArchiveKind(url)
	limit := maxFileBytes
	if maxExtractBytes < limit {
		limit = maxExtractBytes
	}
	entries, err := listArchiveEntries(kind, data, limit)
	if err != nil {
		return "", err
	}
	best, ok := SelectBestLogEntry(entries, keywords)
	if !ok {
		return "", nberr.New(nberr.NotFound, "archive contains no log or text entry")
	}
	text, truncated := truncateCodepoints(string(best.Data), maxMaxChars)
	c.setDocumentMeta(map[string]any{
		"source_url":     url,
		"archive_entry":  best.Name,
		"entry_bytes":    len(best.Data),
		"truncated":      truncated,
	})
	return c.Text(ctx, fmt.Sprintf("[%s]\n%s", best.Name, text), maxTokens)
}

// ImageFromUrl downloads an image, budget-fits it via internal/media, and
// submits it as an image_url content part.
func (c *Context) ImageFromUrl(ctx context.Context, d Deps, url string, timeoutMs int, maxBytes int64, maxWidth, maxHeight, maxOutputBytes, maxTokens int) (string, error) {
	data, err := downloadToMemory(ctx, d.HTTPClient, url, timeoutMs, maxBytes)
	if err != nil {
		return "", err
	}
	dataURL, err := media.PrepareImageDataURL(data, maxWidth, maxHeight, maxOutputBytes)
	if err != nil {
		return "", err
	}
	c.setDocumentMeta(map[string]any{"source_url": url, "media_kind": "image"})
	return c.Submit(ctx, []map[string]any{ImageURLContentPart(dataURL)}, maxTokens)
}

func (c *Context) setDocumentMeta(doc map[string]any) {
	if c.Meta.Document == nil {
		c.Meta.Document = make(map[string]any, len(doc))
	}
	for k, v := range doc {
		c.Meta.Document[k] = v
	}
}

// VideoMode selects between whole-clip transcoding and frame extraction.
type VideoMode string

const (
	VideoModeDirect VideoMode = "direct"
	VideoModeFrames VideoMode = "frames"
)

// VideoFromUrl downloads a video and either transcodes it whole under a
// computed byte budget (shrinking the budget ~30% per RequestTooLarge,
// up to 3 retries) or extracts evenly spaced frames (halving the frame
// count per RequestTooLarge, up to 4 retries).
func (c *Context) VideoFromUrl(ctx context.Context, d Deps, url string, mode VideoMode, timeoutMs int, maxBytes int64, maxFrames, maxTokens int, requireTranscript bool) (string, error) {
	data, err := downloadToMemory(ctx, d.HTTPClient, url, timeoutMs, maxBytes)
	if err != nil {
		return "", err
	}
	inPath := filepath.Join(d.TempDir, "input.mp4")
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "write temp video", err)
	}
	defer os.Remove(inPath)

	c.setDocumentMeta(map[string]any{"source_url": url, "media_kind": "video", "video_mode": string(mode)})

	if mode == VideoModeDirect {
		return c.videoDirect(ctx, d, inPath, maxTokens)
	}
	return c.videoFrames(ctx, d, inPath, maxFrames, maxTokens, requireTranscript)
}

// videoDirect computes the base64 budget from the serialized skeleton
// request minus headroom, transcodes down the profile ladder until the
// output fits, and embeds the result as a data URL. A RequestTooLarge (or
// HTTP 413) at call time shrinks the budget by ~30% and retries.
func (c *Context) videoDirect(ctx context.Context, d Deps, inPath string, maxTokens int) (string, error) {
	skeleton, err := c.skeletonSize(maxTokens)
	if err != nil {
		return "", err
	}
	b64Budget := c.Alias.MaxRequestBytes - skeleton - budgetHeadroom
	if b64Budget <= 0 {
		return "", nberr.New(nberr.RequestTooLarge, "request limit leaves no room for video payload")
	}
	// Raw bytes expand 4/3 under base64; budget the pre-encoding size.
	rawBudget := b64Budget / 4 * 3

	for attempt := 0; attempt <= maxDirectVideoRetries; attempt++ {
		result, err := d.Media.TranscodeUnderBudget(ctx, inPath, d.TempDir, rawBudget)
		if err != nil {
			return "", err
		}
		raw, err := os.ReadFile(result.Path)
		os.Remove(result.Path)
		if err != nil {
			return "", nberr.Wrap(nberr.BadRequest, "read transcoded video", err)
		}

		c.setDocumentMeta(map[string]any{
			"transcode_height": result.ProfileUsed.Height,
			"transcode_bytes":  len(raw),
		})
		dataURL := "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(raw)
		reply, err := c.Submit(ctx, []map[string]any{ImageURLContentPart(dataURL)}, maxTokens)
		if err == nil {
			return reply, nil
		}
		if !nberr.IsRetryable(err) {
			return "", err
		}
		rawBudget = rawBudget * 7 / 10
	}
	return "", nberr.New(nberr.RequestTooLarge, "video exceeded request budget after retries")
}

func (c *Context) videoFrames(ctx context.Context, d Deps, inPath string, maxFrames, maxTokens int, requireTranscript bool) (string, error) {
	if maxFrames <= 0 {
		maxFrames = defaultMaxFrames
	}
	if maxFrames > 24 {
		maxFrames = 24
	}

	dur, err := d.Media.Probe(ctx, inPath)
	if err != nil {
		return "", err
	}

	transcript, err := c.transcribeVideoAudio(ctx, d, inPath, requireTranscript)
	if err != nil {
		return "", err
	}

	keep := maxFrames
	for attempt := 0; attempt <= maxFrameHalvingRetries; attempt++ {
		parts, err := c.buildFramesContent(ctx, d, inPath, dur, keep)
		if err != nil {
			return "", err
		}
		if transcript != "" {
			parts = append(parts, TextContentPart("Audio transcript (verbatim):\n"+transcript))
		}

		reply, err := c.Submit(ctx, parts, maxTokens)
		if err == nil {
			return reply, nil
		}
		if !nberr.IsRetryable(err) || keep <= 1 {
			return "", err
		}
		keep /= 2
	}
	return "", nberr.New(nberr.RequestTooLarge, "video frames exceeded request budget after retries")
}

// transcribeVideoAudio extracts a mono 16k WAV track and transcribes it.
// Extraction or transcription failure is tolerated unless the caller
// required a transcript, in which case it becomes a hard error.
func (c *Context) transcribeVideoAudio(ctx context.Context, d Deps, inPath string, required bool) (string, error) {
	if d.Transcribe == nil {
		if required {
			return "", nberr.New(nberr.BadRequest, "transcript required but no transcription backend configured")
		}
		return "", nil
	}

	wavPath := filepath.Join(d.TempDir, "audio.wav")
	defer os.Remove(wavPath)

	if err := d.Media.ExtractAudioWav(ctx, inPath, wavPath); err != nil {
		if required {
			return "", nberr.Wrap(nberr.BadRequest, "required audio transcript unavailable", err)
		}
		return "", nil
	}
	transcript, err := d.Transcribe(ctx, wavPath, "audio.wav")
	if err != nil {
		if required {
			return "", nberr.Wrap(nberr.BadRequest, "required audio transcript unavailable", err)
		}
		return "", nil
	}
	return transcript, nil
}

func (c *Context) buildFramesContent(ctx context.Context, d Deps, inPath string, dur float64, keep int) ([]map[string]any, error) {
	totalApproxFrames := int(dur * 30)
	if totalApproxFrames < keep {
		totalApproxFrames = keep
	}
	indices := mediatoolbox.EvenlySpacedIndices(totalApproxFrames, keep)

	timestamps := make([]float64, 0, len(indices))
	for _, idx := range indices {
		timestamps = append(timestamps, float64(idx)/30.0)
	}

	framePaths, err := d.Media.ExtractFrames(ctx, inPath, d.TempDir, timestamps)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, p := range framePaths {
			os.Remove(p)
		}
	}()

	parts := make([]map[string]any, 0, len(framePaths)+1)
	parts = append(parts, TextContentPart(fmt.Sprintf("[%d evenly spaced frames extracted]", len(framePaths))))
	for _, p := range framePaths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		dataURL, err := media.PrepareImageDataURL(raw, frameImageMaxDim, frameImageMaxDim, frameImageMaxBytes)
		if err != nil {
			continue
		}
		parts = append(parts, ImageURLContentPart(dataURL))
	}
	return parts, nil
}

// AudioFromUrl prefers a OneBot get_record base64 WAV payload when
// recordFile is set (silk/amr conversion happens side-car-side), else
// downloads the url directly. With requireTranscript a leading
// "transcribe verbatim, then answer" clause is included.
func (c *Context) AudioFromUrl(ctx context.Context, d Deps, url, recordFile string, timeoutMs int, maxBytes int64, requireTranscript bool, maxTokens int) (string, error) {
	var dataURL string

	if recordFile != "" && d.GetRecordBase64 != nil {
		if wav, ok, err := d.GetRecordBase64(ctx, recordFile); err == nil && ok {
			dataURL = "data:audio/wav;base64," + wav
		}
	}
	if dataURL == "" {
		data, err := downloadToMemory(ctx, d.HTTPClient, url, timeoutMs, maxBytes)
		if err != nil {
			return "", err
		}
		dataURL = "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(data)
	}

	c.setDocumentMeta(map[string]any{"media_kind": "audio", "record_file": recordFile})

	parts := []map[string]any{}
	if requireTranscript {
		parts = append(parts, TextContentPart("Transcribe the audio verbatim first, then answer the task."))
	}
	parts = append(parts, ImageURLContentPart(dataURL))
	return c.Submit(ctx, parts, maxTokens)
}

// MediaAttachment is one element of a MediaBundle's heterogeneous list.
type MediaAttachment struct {
	Kind string // "image", "video", "record", "file"
	URL  string
	Name string
}

// MediaBundleResult reports which attachments succeeded and which were
// dropped.
type MediaBundleResult struct {
	Reply                   string
	ItemsFailed             []string
	ItemsDroppedDueToBudget []string
}

// MediaBundle prepares each attachment in its own subsystem, recording
// failures into items_failed; files without a recognized type are listed
// as metadata only. On a retryable size error the last-added media
// attachment is popped into items_dropped_due_to_budget, the context
// block is rewritten, and the request retries.
func (c *Context) MediaBundle(ctx context.Context, d Deps, attachments []MediaAttachment, timeoutMs int, maxBytes int64, maxTokens int) (MediaBundleResult, error) {
	result := MediaBundleResult{}
	working := make([]MediaAttachment, len(attachments))
	copy(working, attachments)

	for attempt := 0; attempt <= maxMediaBundleRetries; attempt++ {
		parts := []map[string]any{}
		var failed []string
		var itemNames []string
		for _, att := range working {
			itemNames = append(itemNames, attachmentLabel(att))
			part, err := c.prepareAttachment(ctx, d, att, timeoutMs, maxBytes)
			if err != nil {
				failed = append(failed, att.URL)
				continue
			}
			parts = append(parts, part...)
		}
		result.ItemsFailed = failed

		c.setDocumentMeta(map[string]any{
			"items":                       itemNames,
			"items_failed":                failed,
			"items_dropped_due_to_budget": result.ItemsDroppedDueToBudget,
		})

		if len(parts) == 0 {
			return result, nberr.New(nberr.BadRequest, "no media bundle attachment could be prepared")
		}

		reply, err := c.Submit(ctx, parts, maxTokens)
		if err == nil {
			result.Reply = reply
			return result, nil
		}
		if !nberr.IsRetryable(err) || len(working) <= 1 {
			return result, err
		}
		dropped := working[len(working)-1]
		result.ItemsDroppedDueToBudget = append(result.ItemsDroppedDueToBudget, dropped.URL)
		working = working[:len(working)-1]
	}
	return result, nberr.New(nberr.RequestTooLarge, "media bundle exceeded request budget after retries")
}

func attachmentLabel(att MediaAttachment) string {
	if att.Name != "" {
		return att.Kind + ":" + att.Name
	}
	return att.Kind + ":" + att.URL
}

// prepareAttachment routes one bundle attachment through the subsystem
// matching its kind: images through the recompression pipeline, videos
// through single-frame extraction, voice records through the audio data
// URL path, and everything else as metadata text.
func (c *Context) prepareAttachment(ctx context.Context, d Deps, att MediaAttachment, timeoutMs int, maxBytes int64) ([]map[string]any, error) {
	switch att.Kind {
	case "image":
		data, err := downloadToMemory(ctx, d.HTTPClient, att.URL, timeoutMs, maxBytes)
		if err != nil {
			return nil, err
		}
		dataURL, err := media.PrepareImageDataURL(data, 1280, 1280, 4*1024*1024)
		if err != nil {
			return nil, err
		}
		return []map[string]any{ImageURLContentPart(dataURL)}, nil

	case "video":
		return c.prepareBundleVideo(ctx, d, att, timeoutMs, maxBytes)

	case "record":
		data, err := downloadToMemory(ctx, d.HTTPClient, att.URL, timeoutMs, maxBytes)
		if err != nil {
			return nil, err
		}
		dataURL := "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(data)
		return []map[string]any{ImageURLContentPart(dataURL)}, nil

	default:
		return []map[string]any{TextContentPart(fmt.Sprintf("[attached %s: %s]", att.Kind, attachmentLabel(att)))}, nil
	}
}

// prepareBundleVideo represents a bundled video by its midpoint frame;
// whole-clip transcoding is reserved for the dedicated video variant.
func (c *Context) prepareBundleVideo(ctx context.Context, d Deps, att MediaAttachment, timeoutMs int, maxBytes int64) ([]map[string]any, error) {
	data, err := downloadToMemory(ctx, d.HTTPClient, att.URL, timeoutMs, maxBytes)
	if err != nil {
		return nil, err
	}
	inPath := filepath.Join(d.TempDir, "bundle_video.mp4")
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "write temp video", err)
	}
	defer os.Remove(inPath)

	dur, err := d.Media.Probe(ctx, inPath)
	if err != nil {
		return nil, err
	}
	framePaths, err := d.Media.ExtractFrames(ctx, inPath, d.TempDir, []float64{dur / 2})
	if err != nil || len(framePaths) == 0 {
		return nil, nberr.Wrap(nberr.BadRequest, "extract bundle video frame", err)
	}
	defer os.Remove(framePaths[0])

	raw, err := os.ReadFile(framePaths[0])
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "read bundle video frame", err)
	}
	dataURL, err := media.PrepareImageDataURL(raw, frameImageMaxDim, frameImageMaxDim, frameImageMaxBytes)
	if err != nil {
		return nil, err
	}
	return []map[string]any{
		TextContentPart(fmt.Sprintf("[video %s: midpoint frame at %.1fs]", attachmentLabel(att), dur/2)),
		ImageURLContentPart(dataURL),
	}, nil
}
