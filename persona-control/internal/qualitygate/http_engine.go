package qualitygate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var errEngineUnavailable = errors.New("quality engine unavailable")

type HTTPEngineConfig struct {
	BaseURL      string
	Timeout      time.Duration
	Retries      int
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// HTTPEngine talks to the test-suite service over JSON/HTTP. Run triggers a
// run and polls it until a terminal status.
type HTTPEngine struct {
	baseURL      string
	client       *http.Client
	timeout      time.Duration
	retries      int
	pollInterval time.Duration
}

var terminalRunStatuses = map[string]bool{
	RunStatusCompleted: true,
	"failed":           true,
	"errored":          true,
	"cancelled":        true,
	"timed_out":        true,
}

func NewHTTPEngine(cfg HTTPEngineConfig) (*HTTPEngine, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("quality engine base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &HTTPEngine{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		client:       client,
		timeout:      timeout,
		retries:      retries,
		pollInterval: poll,
	}, nil
}

func (e *HTTPEngine) GetSuite(ctx context.Context, suiteID string) (Suite, error) {
	var suite Suite
	err := e.get(ctx, "/suites/"+url.PathEscape(suiteID), &suite)
	return suite, err
}

func (e *HTTPEngine) DefaultSuite(ctx context.Context, agentID string) (Suite, error) {
	var suite Suite
	err := e.get(ctx, "/agents/"+url.PathEscape(agentID)+"/suites/default", &suite)
	return suite, err
}

func (e *HTTPEngine) Run(ctx context.Context, suiteID, triggeredBy string) (RunResult, error) {
	body, err := json.Marshal(map[string]string{"triggeredBy": triggeredBy})
	if err != nil {
		return RunResult{}, fmt.Errorf("quality engine marshal request: %w", err)
	}
	// Triggering is not idempotent so it is never retried.
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.baseURL+"/suites/"+url.PathEscape(suiteID)+"/runs", bytes.NewReader(body))
	if err != nil {
		return RunResult{}, fmt.Errorf("quality engine build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return RunResult{}, fmt.Errorf("quality engine trigger run: %w", err)
	}
	var run RunResult
	err = decodeResponse(resp, &run)
	resp.Body.Close()
	if err != nil {
		return RunResult{}, err
	}

	for !terminalRunStatuses[run.Status] {
		select {
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		case <-time.After(e.pollInterval):
		}
		if err := e.get(ctx, "/runs/"+url.PathEscape(run.ID), &run); err != nil {
			return RunResult{}, err
		}
	}
	return run, nil
}

func (e *HTTPEngine) get(ctx context.Context, path string, out interface{}) error {
	attempts := e.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.baseURL+path, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("quality engine build request: %w", err)
		}
		resp, err := e.client.Do(httpReq)
		if err != nil {
			cancel()
			lastErr = err
		} else {
			parseErr := decodeResponse(resp, out)
			resp.Body.Close()
			cancel()
			if parseErr == nil {
				return nil
			}
			// only 5xx answers are worth another attempt
			if !errors.Is(parseErr, errEngineUnavailable) {
				return parseErr
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("quality engine request failed: %w", lastErr)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrSuiteNotFound
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", errEngineUnavailable, resp.Status)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("quality engine rejected request: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("quality engine decode response: %w", err)
	}
	return nil
}
