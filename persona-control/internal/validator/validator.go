package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

type Result struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// Validator checks a persona document before any version is written.
type Validator interface {
	Validate(ctx context.Context, content string) (Result, error)
}

// StaticValidator applies the local checks that hold for every persona
// document regardless of its structure.
type StaticValidator struct {
	MaxBytes int
}

const defaultMaxBytes = 64 * 1024

func NewStaticValidator(maxBytes int) *StaticValidator {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &StaticValidator{MaxBytes: maxBytes}
}

func (v *StaticValidator) Validate(ctx context.Context, content string) (Result, error) {
	var issues []string
	if strings.TrimSpace(content) == "" {
		issues = append(issues, "content is empty")
	}
	if len(content) > v.MaxBytes {
		issues = append(issues, fmt.Sprintf("content exceeds %d bytes", v.MaxBytes))
	}
	if !utf8.ValidString(content) {
		issues = append(issues, "content is not valid UTF-8")
	}
	if strings.ContainsRune(content, 0) {
		issues = append(issues, "content contains NUL bytes")
	}
	return Result{Valid: len(issues) == 0, Issues: issues}, nil
}

type HTTPValidatorConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPValidator runs the local checks first and then asks the external
// document validator.
type HTTPValidator struct {
	local   *StaticValidator
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPValidator(cfg HTTPValidatorConfig) (*HTTPValidator, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("validator base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/validate"
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
	return &HTTPValidator{
		local:   NewStaticValidator(0),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (v *HTTPValidator) Validate(ctx context.Context, content string) (Result, error) {
	if res, _ := v.local.Validate(ctx, content); !res.Valid {
		return res, nil
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return Result{}, fmt.Errorf("validator marshal request: %w", err)
	}

	attempts := v.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, v.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, v.baseURL+v.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Result{}, fmt.Errorf("validator build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := v.client.Do(httpReq)
		if err != nil {
			lastErr = err
		} else {
			res, parseErr := decodeResult(resp)
			resp.Body.Close()
			if parseErr == nil {
				cancel()
				return res, nil
			}
			lastErr = parseErr
		}
		cancel()
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Result{}, fmt.Errorf("validator check failed: %w", lastErr)
}

func decodeResult(resp *http.Response) (Result, error) {
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("validator unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("validator rejected request: %s", resp.Status)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("validator decode response: %w", err)
	}
	return res, nil
}
