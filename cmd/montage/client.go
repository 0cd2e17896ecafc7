package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"montage/internal/api"
	"montage/internal/cleanup"
	"montage/internal/config"
)

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	bind := strings.TrimSpace(cfg.API.Bind)
	host, port, ok := strings.Cut(bind, ":")
	if ok && (host == "" || host == "0.0.0.0") {
		bind = "127.0.0.1:" + port
	}
	return &apiClient{
		baseURL: "http://" + bind,
		token:   cfg.API.Token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// errDaemonUnavailable reports that no daemon answered at the API address.
var errDaemonUnavailable = errors.New("daemon is not reachable")

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w at %s; start it with montaged", errDaemonUnavailable, c.baseURL)
		}
		return fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (c *apiClient) Status(ctx context.Context) (*api.DaemonStatus, error) {
	var status api.DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

func (c *apiClient) RunCleanup(ctx context.Context, force bool) (cleanup.Result, error) {
	var result cleanup.Result
	query := url.Values{"force": {strconv.FormatBool(force)}}
	err := c.do(ctx, http.MethodPost, "/api/cleanup/run", query, &result)
	return result, err
}

func (c *apiClient) Logs(ctx context.Context, since uint64, jobID string, follow bool) (*api.LogStreamResponse, error) {
	query := url.Values{"since": {strconv.FormatUint(since, 10)}}
	if jobID != "" {
		query.Set("job", jobID)
	}
	if follow {
		query.Set("follow", "true")
	}
	var out api.LogStreamResponse
	if err := c.do(ctx, http.MethodGet, "/api/logs", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
