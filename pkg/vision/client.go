package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vitaflow/vitaflow-backend/pkg/config"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

// Client calls the Gemini generateContent API for exercise form analysis.
// Calls are bounded by the configured per-attempt timeout; callers classify
// failures through IsTransient before deciding to retry.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
	timeout    time.Duration
	logg       *logger.Logger
}

// Media is an already-downloaded artifact handed to the model inline.
type Media struct {
	ContentType string
	Data        []byte
}

// Report is the structured feedback contract the model must return.
type Report struct {
	FormScore         int      `json:"form_score"`
	AlignmentFeedback string   `json:"alignment_feedback"`
	ROMFeedback       string   `json:"rom_feedback"`
	StabilityFeedback string   `json:"stability_feedback"`
	Corrections       []string `json:"corrections"`
	Tips              []string `json:"tips"`
	NextStep          string   `json:"next_step"`
}

// APIError carries the upstream HTTP status for retry classification.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vision api: status %d: %s", e.StatusCode, e.Message)
}

// ErrMalformedOutput marks model responses that did not honor the JSON
// contract. Never retried; the model is unlikely to do better on a replay.
var ErrMalformedOutput = errors.New("vision model returned malformed output")

// IsTransient reports whether the error is worth a bounded retry: timeouts,
// throttling, and upstream 5xx-class failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return true
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode >= 500:
			return true
		}
		return false
	}
	// Transport-level failures (connection reset, DNS) are retryable.
	return !errors.Is(err, ErrMalformedOutput)
}

func NewClient(cfg config.VisionConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("gemini base url is required")
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		logg:       logg,
	}, nil
}

const formCheckPrompt = `You are a specialized Biomechanics and Form Analysis expert.
Analyze this exercise form for %s.

Focus strictly on safety, joint alignment, and efficient force production.

Return ONLY a valid JSON object with these exact fields (no markdown, no code blocks):
{
    "form_score": <integer 0-100>,
    "alignment_feedback": "<technical feedback on joint positioning>",
    "rom_feedback": "<feedback on range of motion>",
    "stability_feedback": "<feedback on balance/core control>",
    "corrections": ["<correction 1>", "<correction 2>"],
    "tips": ["<technical tip 1>", "<technical tip 2>"],
    "next_step": "<suggested regression/progression based on form>"
}`

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// AnalyzeForm sends the media plus the fixed evaluation prompt and parses the
// structured report. The context carries the per-attempt deadline.
func (c *Client) AnalyzeForm(ctx context.Context, media Media, exercise string) (*Report, error) {
	if len(media.Data) == 0 {
		return nil, errors.New("media payload is empty")
	}
	mime := media.ContentType
	if mime == "" {
		mime = "image/jpeg"
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := generateRequest{
		Contents: []content{{
			Parts: []part{
				{InlineData: &inlineData{
					MimeType: mime,
					Data:     base64.StdEncoding.EncodeToString(media.Data),
				}},
				{Text: fmt.Sprintf(formCheckPrompt, exercise)},
			},
		}},
		GenerationConfig: &generationConfig{ResponseMIMEType: "application/json"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf(
		"%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL,
		url.PathEscape(c.model),
		url.QueryEscape(c.apiKey),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("calling vision api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(b)),
		}
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrMalformedOutput)
	}

	return parseReport(decoded.Candidates[0].Content.Parts[0].Text)
}

func parseReport(raw string) (*Report, error) {
	cleaned := stripCodeFence(raw)
	var report Report
	decoder := json.NewDecoder(strings.NewReader(cleaned))
	if err := decoder.Decode(&report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if report.FormScore < 0 || report.FormScore > 100 {
		return nil, fmt.Errorf("%w: form_score %d out of range", ErrMalformedOutput, report.FormScore)
	}
	return &report, nil
}

// stripCodeFence tolerates models that wrap JSON in markdown fences despite
// the prompt.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
