package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
)

// Client is the narrow surface of the image-generation provider the
// transform workers consume.
type Client interface {
	// TransformImage sends the main image plus optional references and
	// returns the generated image bytes.
	TransformImage(ctx context.Context, req ImageRequest) ([]byte, error)
	// CombinePrompts performs the model-mediated translation/combination
	// step for prompts outside the Latin ASCII range.
	CombinePrompts(ctx context.Context, mainPrompt string, referencePrompts []string) (string, error)
	Available() bool
}

type ImageRequest struct {
	Instruction string
	MainImage   []byte
	MainMime    string
	References  [][]byte
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

func NewClient(log *logger.Logger) Client {
	apiKey := strings.TrimSpace(os.Getenv("GENAI_API_KEY"))
	baseURL := strings.TrimSpace(os.Getenv("GENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	model := strings.TrimSpace(os.Getenv("GENAI_IMAGE_MODEL"))
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	timeoutSec := 120
	if v := os.Getenv("GENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	return &client{
		log:        log.With("service", "GenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: 3,
	}
}

// Available gates the image plugin's health: no key, no plugin.
func (c *client) Available() bool { return c.apiKey != "" }

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("genai http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var he *httpError
	if errors.As(err, &he) {
		return isRetryableHTTP(he.StatusCode)
	}
	return false
}

type inlinePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func (c *client) TransformImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	if !c.Available() {
		return nil, apperr.External(apperr.CodeAPIUnavailable, "image provider not configured (GENAI_API_KEY)")
	}
	parts := []inlinePart{{Text: req.Instruction}}
	mime := req.MainMime
	if mime == "" {
		mime = "image/png"
	}
	parts = append(parts, inlinePart{InlineData: &inlineData{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(req.MainImage),
	}})
	for _, ref := range req.References {
		parts = append(parts, inlinePart{InlineData: &inlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(ref),
		}})
	}
	body := map[string]any{
		"contents": []map[string]any{{"parts": parts}},
	}
	raw, err := c.call(ctx, fmt.Sprintf("/v1beta/models/%s:generateContent", c.model), body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *inlineData `json:"inlineData"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeTransformationFailed, err)
	}
	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeTransformationFailed, err)
				}
				return data, nil
			}
		}
	}
	return nil, apperr.External(apperr.CodeTransformationFailed, "provider returned no image")
}

func (c *client) CombinePrompts(ctx context.Context, mainPrompt string, referencePrompts []string) (string, error) {
	if !c.Available() {
		return "", apperr.External(apperr.CodeAPIUnavailable, "image provider not configured (GENAI_API_KEY)")
	}
	instruction := "Combine the following style prompts into one concise English instruction for an image model. " +
		"Translate any non-English text. Reply with the instruction only.\n"
	if mainPrompt != "" {
		instruction += "Main: " + mainPrompt + "\n"
	}
	for _, rp := range referencePrompts {
		instruction += "Reference: " + rp + "\n"
	}
	body := map[string]any{
		"contents": []map[string]any{{"parts": []inlinePart{{Text: instruction}}}},
	}
	raw, err := c.call(ctx, fmt.Sprintf("/v1beta/models/%s:generateContent", c.model), body)
	if err != nil {
		return "", err
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeTransformationFailed, err)
	}
	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			if text := strings.TrimSpace(part.Text); text != "" {
				return text, nil
			}
		}
	}
	return "", apperr.External(apperr.CodeTransformationFailed, "provider returned no text")
}

func (c *client) call(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeTransformationFailed, err)
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, ctx.Err())
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		raw, err := c.doOnce(ctx, path, payload)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isRetryableErr(err) {
			break
		}
		c.log.Warn("GenAI call failed, retrying", "attempt", attempt+1, "error", err)
	}
	var he *httpError
	if errors.As(lastErr, &he) && he.StatusCode == 429 {
		return nil, apperr.RateLimited("image provider rate limited", 10)
	}
	return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeAPIUnavailable, lastErr)
}

func (c *client) doOnce(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 300)}
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
