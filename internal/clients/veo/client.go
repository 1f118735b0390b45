package veo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
)

// Client is the asynchronous video-synthesis provider surface: start an
// operation, poll it until done, download the product.
type Client interface {
	StartGeneration(ctx context.Context, req VideoRequest) (string, error)
	PollOperation(ctx context.Context, operationName string) (*OperationStatus, error)
	DownloadVideo(ctx context.Context, uri string) ([]byte, error)
	Available() bool
}

type VideoRequest struct {
	Prompt          string
	SourceImage     []byte
	SourceMime      string
	DurationSeconds int
}

type OperationStatus struct {
	Done     bool
	VideoURI string
	Error    string
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) Client {
	baseURL := strings.TrimSpace(os.Getenv("VIDEO_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	// The model name is configuration, not a constant.
	model := strings.TrimSpace(os.Getenv("VIDEO_MODEL"))
	if model == "" {
		model = "veo-3.0-generate-001"
	}
	return &client{
		log:        log.With("service", "VeoClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("VIDEO_API_KEY")),
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) Available() bool { return c.apiKey != "" }

func (c *client) StartGeneration(ctx context.Context, req VideoRequest) (string, error) {
	if !c.Available() {
		return "", apperr.External(apperr.CodeVideoAPIUnavailable, "video provider not configured (VIDEO_API_KEY)")
	}
	mime := req.SourceMime
	if mime == "" {
		mime = "image/png"
	}
	instance := map[string]any{
		"prompt": req.Prompt,
	}
	if len(req.SourceImage) > 0 {
		instance["image"] = map[string]any{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(req.SourceImage),
			"mimeType":           mime,
		}
	}
	body := map[string]any{
		"instances": []map[string]any{instance},
		"parameters": map[string]any{
			"durationSeconds": req.DurationSeconds,
		},
	}
	raw, err := c.post(ctx, fmt.Sprintf("/v1beta/models/%s:predictLongRunning", c.model), body)
	if err != nil {
		return "", err
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Name == "" {
		return "", apperr.External(apperr.CodeVideoGenFailed, "provider returned no operation handle")
	}
	return out.Name, nil
}

func (c *client) PollOperation(ctx context.Context, operationName string) (*OperationStatus, error) {
	raw, err := c.get(ctx, "/v1beta/"+operationName)
	if err != nil {
		return nil, err
	}
	var out struct {
		Done  bool `json:"done"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Response struct {
			GenerateVideoResponse struct {
				GeneratedSamples []struct {
					Video struct {
						URI string `json:"uri"`
					} `json:"video"`
				} `json:"generatedSamples"`
			} `json:"generateVideoResponse"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeVideoGenFailed, err)
	}
	st := &OperationStatus{Done: out.Done}
	if out.Error != nil {
		st.Error = out.Error.Message
	}
	samples := out.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) > 0 {
		st.VideoURI = samples[0].Video.URI
	}
	return st, nil
}

func (c *client) DownloadVideo(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeVideoGenFailed, err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.External(apperr.CodeVideoGenFailed,
			fmt.Sprintf("video download http %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

func (c *client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeVideoGenFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Internal(apperr.CodeVideoGenFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	return c.do(req)
}

func (c *client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeVideoGenFailed, err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	return c.do(req)
}

func (c *client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.RateLimited("video provider rate limited", 20)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.External(apperr.CodeVideoAPIUnavailable,
			fmt.Sprintf("video api http %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
