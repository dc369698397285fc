package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagementCalls(t *testing.T) {
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, m)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", Model: "llama3", Token: "s3cret"})
	ctx := context.Background()
	require.NoError(t, c.ClearCache(ctx))
	require.NoError(t, c.ResetSession(ctx))
	require.NoError(t, c.Unload(ctx))
	require.NoError(t, c.Throttle(ctx, true))

	assert.Equal(t, []string{"/admin/cache/clear", "/admin/session/reset", "/admin/session/unload", "/admin/throttle"}, paths)
	assert.Equal(t, "llama3", bodies[0]["model"])
	assert.Equal(t, true, bodies[3]["enabled"])
	assert.Equal(t, srv.URL+"/health", c.HealthURL())
}

func TestNonSuccessIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL}).ClearCache(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "model busy", se.Body)
}

func TestTimeoutIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL, Timeout: 30 * time.Millisecond}).ResetSession(context.Background())
	assert.Error(t, err)
}

func TestUnconfiguredClient(t *testing.T) {
	c := New(Config{})
	assert.False(t, c.Enabled())
	assert.Error(t, c.ClearCache(context.Background()))
	assert.Empty(t, c.HealthURL())
}
