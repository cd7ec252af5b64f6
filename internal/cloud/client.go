// Package cloud implements the transport to the control plane: JSON calls,
// artifact downloads, and the push-event listener.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/harborpos/edgenode/internal/errors"
	"github.com/harborpos/edgenode/internal/models"
)

const hostHeader = "X-Edge-Host-ID"

// Client talks HTTP to the control plane. All failures are reported as
// transient transport errors; callers retry via queue backoff or cooldown.
type Client struct {
	baseURL string
	hostID  string
	http    *http.Client
}

// NewClient creates a control plane client.
func NewClient(baseURL, hostID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hostID:  hostID,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetJSON performs a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "failed to build request", err)
	}
	req.Header.Set(hostHeader, c.hostID)

	return c.do(req, out)
}

// PostJSON performs a POST with a JSON body, decoding any JSON response into
// out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to marshal request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(hostHeader, c.hostID)

	return c.do(req, out)
}

// Download streams the artifact at srcURL into destPath. Relative URLs are
// resolved against the control plane base URL. The partial file is removed
// on failure.
func (c *Client) Download(ctx context.Context, srcURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(srcURL), nil)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "failed to build download request", err)
	}
	req.Header.Set(hostHeader, c.hostID)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "download failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.ErrTransport,
			fmt.Sprintf("download returned status %d", resp.StatusCode))
	}

	f, err := os.Create(destPath)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to create artifact file", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return errors.Wrap(errors.ErrTransport, "download interrupted", err)
	}
	return f.Close()
}

// SendOperation uploads one queued mutation. The control plane applies the
// same logical mutation idempotently, so redelivery after a crash is safe.
func (c *Client) SendOperation(ctx context.Context, op *models.QueuedOperation) error {
	return c.PostJSON(ctx, "/api/sync/operations", op, nil)
}

// PendingDeployments fetches the deployment tasks outstanding for this host.
func (c *Client) PendingDeployments(ctx context.Context) ([]models.DeploymentTask, error) {
	var tasks []models.DeploymentTask
	path := "/api/deployments/pending?host=" + url.QueryEscape(c.hostID)
	if err := c.GetJSON(ctx, path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// deploymentStatus is the per-target status callback body.
type deploymentStatus struct {
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage"`
}

// PostDeploymentStatus reports a target's status back to the control plane.
func (c *Client) PostDeploymentStatus(ctx context.Context, targetID, status, message string) error {
	path := "/api/deployments/" + url.PathEscape(targetID) + "/status"
	return c.PostJSON(ctx, path, deploymentStatus{Status: status, StatusMessage: message}, nil)
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New(errors.ErrTransport,
			fmt.Sprintf("%s %s returned status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrTransport, "failed to decode response", err)
	}
	return nil
}
