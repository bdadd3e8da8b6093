// Package caption executes caption generation jobs: it fetches each
// submitted image, asks the inference backend to describe it, and
// reports per-image progress. It is the production implementation of
// the scheduler's Runner interface.
package caption

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/vedfolnir/internal/queue"
	"github.com/me/vedfolnir/pkg/model"
)

const (
	// MaxImages bounds how many images one job may carry.
	MaxImages = 100

	// DefaultMaxImageBytes caps a single image download.
	DefaultMaxImageBytes = 10 << 20

	// DefaultPrompt is used when a job does not bring its own.
	DefaultPrompt = "Describe this image in one concise sentence suitable as alt text."

	captionPreviewRunes = 80
)

// Captioner produces a caption for one image.
type Captioner interface {
	Generate(ctx context.Context, prompt string, imageData []byte) (string, error)
}

// Runner fetches images and captions them. One Runner serves all jobs.
type Runner struct {
	captioner Captioner
	fetcher   *http.Client
	maxBytes  int64
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithFetchClient replaces the HTTP client used for image downloads.
func WithFetchClient(hc *http.Client) Option {
	return func(r *Runner) { r.fetcher = hc }
}

// WithMaxImageBytes overrides the per-image download cap.
func WithMaxImageBytes(n int64) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// NewRunner creates a Runner backed by the given captioner.
func NewRunner(captioner Captioner, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		captioner: captioner,
		fetcher:   &http.Client{Timeout: 30 * time.Second},
		maxBytes:  DefaultMaxImageBytes,
		logger:    logger.With("component", "caption"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// jobSettings is the parsed settings bag of one job.
type jobSettings struct {
	urls   []string
	prompt string
}

// ValidateSettings checks a submission's settings bag at the API
// boundary, before the job is admitted.
func ValidateSettings(settings map[string]any) error {
	if _, err := parseSettings(settings); err != nil {
		return model.NewValidationError("%s", err)
	}
	return nil
}

func parseSettings(settings map[string]any) (jobSettings, error) {
	parsed := jobSettings{prompt: DefaultPrompt}

	raw, ok := settings["image_urls"]
	if !ok {
		return parsed, fmt.Errorf("image_urls is required")
	}

	var urls []string
	switch v := raw.(type) {
	case []string:
		urls = v
	case []any:
		for i, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return parsed, fmt.Errorf("image_urls[%d] is not a string", i)
			}
			urls = append(urls, s)
		}
	default:
		return parsed, fmt.Errorf("image_urls must be a list of strings")
	}

	if len(urls) == 0 {
		return parsed, fmt.Errorf("image_urls is empty")
	}
	if len(urls) > MaxImages {
		return parsed, fmt.Errorf("image_urls has %d entries, limit is %d", len(urls), MaxImages)
	}
	for i, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return parsed, fmt.Errorf("image_urls[%d]: %v", i, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return parsed, fmt.Errorf("image_urls[%d] must be an absolute http(s) URL", i)
		}
	}
	parsed.urls = urls

	if raw, ok := settings["prompt"]; ok {
		s, isString := raw.(string)
		if !isString {
			return parsed, fmt.Errorf("prompt must be a string")
		}
		if strings.TrimSpace(s) != "" {
			parsed.prompt = s
		}
	}

	if raw, ok := settings["timeout_seconds"]; ok {
		var secs float64
		switch n := raw.(type) {
		case float64:
			secs = n
		case int:
			secs = float64(n)
		default:
			return parsed, fmt.Errorf("timeout_seconds must be a number")
		}
		if secs <= 0 || secs > 86400 {
			return parsed, fmt.Errorf("timeout_seconds must be between 1 and 86400")
		}
	}

	return parsed, nil
}

// Run captions every image in the job. Per image: context checkpoint,
// fetch, generate, progress report. A failed fetch skips that image;
// an inference failure aborts the job so recovery can classify it.
func (r *Runner) Run(ctx context.Context, job *model.Job, report queue.ProgressFunc) (map[string]any, error) {
	parsed, err := parseSettings(job.Settings)
	if err != nil {
		return nil, &model.JobError{Kind: model.ErrorKindValidation, Message: err.Error()}
	}

	logger := r.logger.With("job_id", job.ID)
	total := len(parsed.urls)
	captions := make([]any, 0, total)
	generated, skipped := 0, 0

	for i, imageURL := range parsed.urls {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		detail := map[string]any{"image": imageURL}

		data, err := r.fetchImage(ctx, imageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("image fetch failed, skipping", "url", imageURL, "error", err)
			captions = append(captions, map[string]any{"url": imageURL, "error": err.Error()})
			skipped++
			detail["error"] = err.Error()
			report(fmt.Sprintf("captioning %d/%d", i+1, total), (i+1)*100/total, detail)
			continue
		}

		caption, err := r.captioner.Generate(ctx, parsed.prompt, data)
		if err != nil {
			return nil, err
		}

		captions = append(captions, map[string]any{"url": imageURL, "caption": caption})
		generated++
		detail["caption"] = previewOf(caption)
		report(fmt.Sprintf("captioning %d/%d", i+1, total), (i+1)*100/total, detail)
	}

	logger.Info("captioning done", "generated", generated, "skipped", skipped)
	return map[string]any{
		"captions":  captions,
		"generated": generated,
		"skipped":   skipped,
	}, nil
}

// fetchImage downloads one image, enforcing the size cap and requiring
// an image content type when the server declares one.
func (r *Runner) fetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := r.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("unexpected content type %s", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("image exceeds %s", humanize.Bytes(uint64(r.maxBytes)))
	}
	return data, nil
}

func previewOf(caption string) string {
	runes := []rune(caption)
	if len(runes) <= captionPreviewRunes {
		return caption
	}
	return string(runes[:captionPreviewRunes]) + "..."
}
