package agents

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execHTTP(t *testing.T, params map[string]any) (map[string]any, bool, string) {
	t.Helper()
	res, err := NewHTTPAgent(HTTPConfig{}).Execute(context.Background(), Input{Input: params})
	if err != nil {
		return nil, false, err.Error()
	}
	data, _ := res.Data.(map[string]any)
	return data, res.Success, res.Error
}

func TestHTTPAgent_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "v")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hello"})
	}))
	defer srv.Close()

	out, ok, _ := execHTTP(t, map[string]any{"url": srv.URL})
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, out["status_code"])
	assert.Equal(t, map[string]any{"greeting": "hello"}, out["body"])
	assert.Equal(t, "v", out["headers"].(map[string]any)["X-Custom"])
	assert.GreaterOrEqual(t, out["duration_ms"], int64(0))
}

func TestHTTPAgent_PostBodies(t *testing.T) {
	tests := []struct {
		name        string
		encoding    string
		body        any
		wantType    string
		wantPayload string
	}{
		{"json", "json", map[string]any{"a": 1}, "application/json", `{"a":1}`},
		{"form", "form", map[string]any{"a": "b"}, "application/x-www-form-urlencoded", "a=b"},
		{"text", "text", "plain words", "text/plain", "plain words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotType, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotType = r.Header.Get("Content-Type")
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.WriteHeader(http.StatusCreated)
			}))
			defer srv.Close()

			out, ok, _ := execHTTP(t, map[string]any{
				"url":           srv.URL,
				"method":        "post",
				"body":          tt.body,
				"body_encoding": tt.encoding,
			})
			require.True(t, ok)
			assert.Equal(t, http.StatusCreated, out["status_code"])
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantPayload, gotBody)
		})
	}
}

func TestHTTPAgent_Auth(t *testing.T) {
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		key = r.Header.Get("X-Api-Key")
	}))
	defer srv.Close()

	_, ok, _ := execHTTP(t, map[string]any{"url": srv.URL, "auth": map[string]any{"type": "bearer", "token": "t0k"}})
	require.True(t, ok)
	assert.Equal(t, "Bearer t0k", auth)

	_, ok, _ = execHTTP(t, map[string]any{"url": srv.URL, "auth": map[string]any{
		"type": "api_key", "header_name": "X-Api-Key", "header_value": "secret",
	}})
	require.True(t, ok)
	assert.Equal(t, "secret", key)
}

func TestHTTPAgent_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	out, ok, _ := execHTTP(t, map[string]any{"url": srv.URL})
	assert.True(t, ok, "error statuses succeed unless fail_on_error_status is set")
	assert.Equal(t, http.StatusBadGateway, out["status_code"])

	out, ok, msg := execHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": true})
	assert.False(t, ok)
	assert.Contains(t, msg, "502")
	assert.Equal(t, http.StatusBadGateway, out["status_code"])
}

func TestHTTPAgent_InvalidURL(t *testing.T) {
	_, ok, msg := execHTTP(t, map[string]any{"url": "ftp://example.com"})
	assert.False(t, ok)
	assert.Contains(t, msg, "invalid url")
}

func TestHTTPAgent_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, ok, msg := execHTTP(t, map[string]any{"url": srv.URL, "timeout": "30ms"})
	assert.False(t, ok)
	assert.Contains(t, msg, "request failed")
}

func TestHTTPAgent_NoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/next", http.StatusFound)
		}
	}))
	defer srv.Close()

	out, ok, _ := execHTTP(t, map[string]any{"url": srv.URL, "follow_redirects": false})
	require.True(t, ok)
	assert.Equal(t, http.StatusFound, out["status_code"])
}
