package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"result":{"image_base64":"aGVsbG8="}}`))
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, time.Second)
	result, err := c.Execute(context.Background(), "image-age-transform", map[string]any{"target_age": 70})
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", result["image_base64"])
}

func TestExecutePermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"no face detected"}`))
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, time.Second)
	_, err := c.Execute(context.Background(), "image-age-transform", nil)
	require.Error(t, err)
	assert.False(t, IsTransient(err), "4xx must not be retried")

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusBadRequest, be.Status)
	assert.Contains(t, be.Msg, "no face detected")
}

func TestExecuteTransientStatuses(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		c := NewHTTP(srv.URL, time.Second)
		_, err := c.Execute(context.Background(), "hair-style", nil)
		srv.Close()
		require.Error(t, err, "status %d", code)
		assert.True(t, IsTransient(err), "status %d must be retryable", code)
	}
}

func TestExecuteConnectionRefusedIsTransient(t *testing.T) {
	c := NewHTTP("http://127.0.0.1:1/execute", 100*time.Millisecond)
	_, err := c.Execute(context.Background(), "hair-style", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "transport failures are retryable")
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(&Error{Status: 400}))
	assert.True(t, IsTransient(&Error{Status: 503, Transient: true}))
	assert.True(t, IsTransient(errors.New("plain error")), "unclassified errors default to retryable")
}
