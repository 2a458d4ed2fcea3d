package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStoryAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stories/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "story-1" {
			http.Error(w, "unknown story", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer t" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resource":{"title":"T"},"segments":[{"id":"seg-1","position":1,"image_status":"completed"}],"active_generation":true}`))
	})
	mux.HandleFunc("GET /api/stories/{id}/active", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":false}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	srv := newStoryAPI(t)
	c, err := NewClient(srv.URL+"/", WithHeader("Authorization", "Bearer t"))
	require.NoError(t, err)

	st, err := c.Fetch(context.Background(), "story-1")
	require.NoError(t, err)
	require.Equal(t, "story-1", st.Resource["id"])
	require.Equal(t, "T", st.Resource["title"])
	require.Len(t, st.Segments, 1)
	require.Equal(t, float64(1), st.Segments[0]["position"])
	require.True(t, st.ActiveGeneration)

	active, err := c.ActiveGeneration(context.Background(), "story-1")
	require.NoError(t, err)
	require.False(t, active)
}

func TestFetchErrors(t *testing.T) {
	srv := newStoryAPI(t)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "story-1")
	require.Error(t, err)
	require.False(t, IsNotFound(err))

	_, err = c.Fetch(context.Background(), "missing")
	require.True(t, IsNotFound(err))

	_, err = NewClient("")
	require.Error(t, err)
	_, err = NewClient("ftp://example.com")
	require.Error(t, err)
}
