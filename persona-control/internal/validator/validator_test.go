package validator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/joi/persona-control/internal/validator"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestStaticValidator(t *testing.T) {
	v := validator.NewStaticValidator(32)
	ctx := context.Background()

	res, err := v.Validate(ctx, "You are Joi.")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Issues)

	res, _ = v.Validate(ctx, "   \n")
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"content is empty"}, res.Issues)

	res, _ = v.Validate(ctx, strings.Repeat("x", 33))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Issues[0], "exceeds 32 bytes")

	res, _ = v.Validate(ctx, "bad\x00byte")
	assert.False(t, res.Valid)
}

func TestHTTPValidatorReportsIssues(t *testing.T) {
	var calls int
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if r.URL.Path != "/validate" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		body, _ := json.Marshal(validator.Result{Valid: false, Issues: []string{"missing ## Policy section"}})
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	})}
	v, err := validator.NewHTTPValidator(validator.HTTPValidatorConfig{BaseURL: "http://validator", Timeout: time.Second, HTTPClient: client})
	require.NoError(t, err)

	res, err := v.Validate(context.Background(), "# Persona\nhello")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"missing ## Policy section"}, res.Issues)
	assert.Equal(t, 1, calls)
}

func TestHTTPValidatorSkipsRemoteForLocalFailure(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatalf("remote validator should not be called")
		return nil, nil
	})}
	v, err := validator.NewHTTPValidator(validator.HTTPValidatorConfig{BaseURL: "http://validator", HTTPClient: client})
	require.NoError(t, err)

	res, err := v.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestHTTPValidatorUnavailable(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable", Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	})}
	v, err := validator.NewHTTPValidator(validator.HTTPValidatorConfig{BaseURL: "http://validator", Retries: 1, HTTPClient: client})
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validator unavailable")
}
