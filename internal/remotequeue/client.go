// Package remotequeue implements the Queue-Full-aware remote rendering
// queue (component F of spec.md): submit demos to a remote render-and-host
// HTTP API, buffer overflow locally when the provider refuses admission,
// and poll for completion. Grounded on
// discord_downloader/demo_uploaders.py's IgmdbUploader/DemoUploader, wired
// onto hashicorp/go-retryablehttp the way api/pkg/controller/utils.go's
// newRetryClient is used for outbound calls.
package remotequeue

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/quakearchive/demobot/internal/pipelineerr"
)

// queueFullErrorText is the exact provider error string that signals
// admission control refused the submission (spec.md §6).
const queueFullErrorText = "Can't submit; you are banned or have reached the maximum number of demos in queue"

// Client is the remote render-and-host provider surface the queue drives.
type Client interface {
	Submit(ctx context.Context, demoURL string, resolution int, title, description string) (renderID int64, err error)
	CheckStatus(ctx context.Context, renderID int64) (videoURL string, done bool, err error)
}

// HTTPClient talks to the provider described in spec.md §6: POST to submit,
// GET to poll status.
type HTTPClient struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// NewHTTPClient builds a Client bound to baseURL (e.g.
// "https://www.igmdb.org/processor.php") using apiKey as the account token.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.Logger = stdlog.New(io.Discard, "", 0)
	return &HTTPClient{baseURL: baseURL, token: apiKey, http: rc}
}

func (c *HTTPClient) Submit(ctx context.Context, demoURL string, resolution int, title, description string) (int64, error) {
	form := url.Values{
		"api_key":            {c.token},
		"demo_url":           {demoURL},
		"resolution":         {strconv.Itoa(resolution)},
		"output":             {"4"},
		"stream_title":       {title},
		"stream_description": {description},
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"?action=submitDemo", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, &pipelineerr.TransportFailedError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &pipelineerr.TransportFailedError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &pipelineerr.TransportFailedError{Err: err}
	}

	var parsed submitResponse
	if err := decodeQuirkyJSON(body, &parsed); err != nil {
		return 0, &pipelineerr.TransportFailedError{Err: err}
	}

	if parsed.Success && parsed.RenderID == 0 {
		return 0, pipelineerr.ErrAlreadySubmitted
	}
	if !parsed.Success {
		if parsed.Error == queueFullErrorText {
			return 0, pipelineerr.ErrQueueFull
		}
		return 0, fmt.Errorf("remotequeue: submit rejected: %s", parsed.Error)
	}
	return parsed.RenderID, nil
}

func (c *HTTPClient) CheckStatus(ctx context.Context, renderID int64) (string, bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?action=getRenderInformation&render_id=%d", c.baseURL, renderID), nil)
	if err != nil {
		return "", false, &pipelineerr.TransportFailedError{Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, &pipelineerr.TransportFailedError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, &pipelineerr.TransportFailedError{Err: err}
	}

	var parsed statusResponse
	if err := decodeQuirkyJSON(body, &parsed); err != nil {
		return "", false, &pipelineerr.TransportFailedError{Err: err}
	}

	if !parsed.Success {
		if parsed.Output.Error != "" {
			return "", false, fmt.Errorf("remotequeue: status error: %s", parsed.Output.Error)
		}
		return "", false, fmt.Errorf("remotequeue: unknown error checking status: %s", string(body))
	}
	if parsed.Output.StatusFinal != "1" {
		return "", false, nil
	}
	identifier := parsed.Output.DonatorStreamIdentifier
	if identifier == "" {
		identifier = parsed.Output.StreamIdentifier
	}
	if identifier == "" {
		return "", false, fmt.Errorf("remotequeue: finished render has no stream identifier")
	}
	return "https://youtu.be/" + identifier, true, nil
}

// NopClient is a Client that completes every submission immediately with a
// synthetic URL, mirroring demo_uploaders.py's NopUploader/FakeUploader:
// useful for exercising the queue's state machine without a real provider.
type NopClient struct {
	nextID int64
}

// Submit always succeeds, assigning render ids in order starting at 1.
func (c *NopClient) Submit(_ context.Context, _ string, _ int, _, _ string) (int64, error) {
	c.nextID++
	return c.nextID, nil
}

// CheckStatus reports every render id as immediately finished.
func (c *NopClient) CheckStatus(_ context.Context, renderID int64) (string, bool, error) {
	return fmt.Sprintf("https://example.invalid/fake-render/%d", renderID), true, nil
}

type submitResponse struct {
	Success  bool   `json:"success"`
	RenderID int64  `json:"render_id"`
	Error    string `json:"error"`
}

type statusResponse struct {
	Success bool `json:"success"`
	Output  struct {
		StatusFinal             string `json:"status_final"`
		StreamIdentifier        string `json:"stream_identifier"`
		DonatorStreamIdentifier string `json:"donator_stream_identifier"`
		Error                   string `json:"error"`
	} `json:"output"`
}
