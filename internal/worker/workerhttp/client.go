// Package workerhttp carries the worker protocol over HTTP with JSON bodies.
package workerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/k11v/buildfarm/internal/worker"
)

var _ worker.Client = (*Client)(nil)

type envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Fault  *fault          `json:"fault,omitempty"`
}

type fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ensurePresentResult struct {
	Present bool   `json:"present"`
	Info    string `json:"info"`
}

type Client struct {
	baseURL    string       // required
	httpClient *http.Client // required
}

// NewClient returns a client for the worker at baseURL.
// A nil httpClient means http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Status implements worker.Client.
func (c *Client) Status(ctx context.Context) (*worker.StatusReport, error) {
	var report worker.StatusReport
	if err := c.call(ctx, "status", struct{}{}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Build implements worker.Client.
func (c *Client) Build(ctx context.Context, params *worker.BuildParams) (*worker.BuildResult, error) {
	var result worker.BuildResult
	if err := c.call(ctx, "build", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EnsurePresent implements worker.Client.
func (c *Client) EnsurePresent(ctx context.Context, source *worker.FileSource) (bool, string, error) {
	var result ensurePresentResult
	if err := c.call(ctx, "ensurepresent", source, &result); err != nil {
		return false, "", err
	}
	return result.Present, result.Info, nil
}

// Abort implements worker.Client.
func (c *Client) Abort(ctx context.Context) error {
	return c.call(ctx, "abort", struct{}{}, nil)
}

// Clean implements worker.Client.
func (c *Client) Clean(ctx context.Context) error {
	return c.call(ctx, "clean", struct{}{}, nil)
}

// GetFiles implements worker.Client.
// Files are fetched one by one; a failure leaves earlier files in place.
func (c *Client) GetFiles(ctx context.Context, requests []worker.FileRequest) error {
	for _, r := range requests {
		if err := c.getFile(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) getFile(ctx context.Context, r worker.FileRequest) error {
	const op = "getfiles"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+url.PathEscape(r.Digest), nil)
	if err != nil {
		return &worker.TransportError{Op: op, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &worker.TransportError{Op: op, Err: err}
	}
	defer closeWithLog(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return responseError(op, resp)
	}

	// The file only appears at r.Path once it has been received whole.
	f, err := os.CreateTemp(filepath.Dir(r.Path), ".get-*")
	if err != nil {
		return fmt.Errorf("worker %s: %w", op, err)
	}
	tmpPath := f.Name()
	if _, err = io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		removeWithLog(tmpPath)
		return &worker.TransportError{Op: op, Err: err}
	}
	if err = f.Close(); err != nil {
		removeWithLog(tmpPath)
		return fmt.Errorf("worker %s: %w", op, err)
	}
	if err = os.Rename(tmpPath, r.Path); err != nil {
		removeWithLog(tmpPath)
		return fmt.Errorf("worker %s: %w", op, err)
	}

	return nil
}

func (c *Client) call(ctx context.Context, op string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("worker %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return &worker.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &worker.TransportError{Op: op, Err: err}
	}
	defer closeWithLog(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return responseError(op, resp)
	}

	var env envelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &worker.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Fault != nil {
		return &worker.Fault{Op: op, Code: env.Fault.Code, Message: env.Fault.Message}
	}
	if result != nil && len(env.Result) > 0 {
		if err = json.Unmarshal(env.Result, result); err != nil {
			return &worker.TransportError{Op: op, Err: fmt.Errorf("decode result: %w", err)}
		}
	}

	return nil
}

// responseError turns a non-200 response into a Fault when the worker sent
// one and into a TransportError otherwise.
func responseError(op string, resp *http.Response) error {
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil && env.Fault != nil {
		return &worker.Fault{Op: op, Code: env.Fault.Code, Message: env.Fault.Message}
	}
	return &worker.TransportError{Op: op, Err: errors.New(resp.Status)}
}
