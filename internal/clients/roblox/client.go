package roblox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
)

// Client is the narrow surface of the Roblox web API the asset pipeline
// consumes: user resolution, the 3D-avatar manifest with its processing
// state, and raw CDN file fetches.
type Client interface {
	ResolveUser(ctx context.Context, userInput string) (*UserInfo, error)
	Fetch3DManifest(ctx context.Context, userID int64) (*Manifest3D, error)
	FetchCDNFile(ctx context.Context, url string) ([]byte, int, error)
}

type UserInfo struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Manifest3D is the avatar 3D manifest: a processing state plus content
// hashes for the OBJ, MTL and texture files.
type Manifest3D struct {
	State         string   `json:"state"` // Completed | Pending | Error
	ObjHash       string   `json:"obj"`
	MtlHash       string   `json:"mtl"`
	TextureHashes []string `json:"textures"`
}

// RateLimitedError carries the provider's throttle signal up to the
// polling loop so it can back off instead of burning attempts.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("roblox api rate limited, retry after %s", e.RetryAfter)
}

type client struct {
	log        *logger.Logger
	apiBase    string
	avatarBase string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) Client {
	apiBase := strings.TrimSpace(os.Getenv("ROBLOX_API_BASE"))
	if apiBase == "" {
		apiBase = "https://users.roblox.com"
	}
	avatarBase := strings.TrimSpace(os.Getenv("ROBLOX_AVATAR_BASE"))
	if avatarBase == "" {
		avatarBase = "https://avatar.roblox.com"
	}
	return &client{
		log:        log.With("service", "RobloxClient"),
		apiBase:    apiBase,
		avatarBase: avatarBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ResolveUser accepts a numeric id or a username handle.
func (c *client) ResolveUser(ctx context.Context, userInput string) (*UserInfo, error) {
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return nil, apperr.UserInput(apperr.CodeInvalidUserInput, "empty user input")
	}
	if id, err := strconv.ParseInt(userInput, 10, 64); err == nil {
		return c.lookupByID(ctx, id)
	}
	return c.lookupByName(ctx, userInput)
}

func (c *client) lookupByID(ctx context.Context, id int64) (*UserInfo, error) {
	var out struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	status, err := c.getJSON(ctx, fmt.Sprintf("%s/v1/users/%d", c.apiBase, id), &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || out.ID == 0 {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, fmt.Sprintf("roblox user %d not found", id))
	}
	return &UserInfo{UserID: out.ID, Username: out.Name}, nil
}

func (c *client) lookupByName(ctx context.Context, name string) (*UserInfo, error) {
	body, _ := json.Marshal(map[string]any{
		"usernames":          []string{name},
		"excludeBannedUsers": true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/v1/usernames/users", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal(apperr.CodeNetworkError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	defer resp.Body.Close()
	if err := throttleOrServerError(resp); err != nil {
		return nil, err
	}
	var out struct {
		Data []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	if len(out.Data) == 0 {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, fmt.Sprintf("roblox user %q not found", name))
	}
	return &UserInfo{UserID: out.Data[0].ID, Username: out.Data[0].Name}, nil
}

// Fetch3DManifest reads the avatar-3d endpoint, then the manifest JSON it
// points at. The processing state comes back to the caller for polling.
func (c *client) Fetch3DManifest(ctx context.Context, userID int64) (*Manifest3D, error) {
	var pointer struct {
		TargetID int64  `json:"targetId"`
		State    string `json:"state"`
		ImageURL string `json:"imageUrl"`
	}
	if _, err := c.getJSON(ctx,
		fmt.Sprintf("%s/v1/users/avatar-3d?userId=%d", c.avatarBase, userID), &pointer); err != nil {
		return nil, err
	}
	if !strings.EqualFold(pointer.State, "Completed") {
		return &Manifest3D{State: pointer.State}, nil
	}
	var manifest struct {
		Obj      string   `json:"obj"`
		Mtl      string   `json:"mtl"`
		Textures []string `json:"textures"`
	}
	if _, err := c.getJSON(ctx, pointer.ImageURL, &manifest); err != nil {
		return nil, err
	}
	return &Manifest3D{
		State:         "Completed",
		ObjHash:       manifest.Obj,
		MtlHash:       manifest.Mtl,
		TextureHashes: manifest.Textures,
	}, nil
}

// FetchCDNFile fetches one candidate URL, returning the HTTP status so the
// caller can fall through 4xx/5xx to the next mirror.
func (c *client) FetchCDNFile(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, apperr.Internal(apperr.CodeNetworkError, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	return data, resp.StatusCode, nil
}

func (c *client) getJSON(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, apperr.Internal(apperr.CodeNetworkError, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	defer resp.Body.Close()
	if err := throttleOrServerError(resp); err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeNetworkError, err)
	}
	return resp.StatusCode, nil
}

func throttleOrServerError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retry := 5 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retry = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retry}
	}
	if resp.StatusCode >= 500 {
		return apperr.External(apperr.CodeAPIUnavailable,
			fmt.Sprintf("roblox api http %d", resp.StatusCode))
	}
	return nil
}
