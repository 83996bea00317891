package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	c := NewClient("https://api.example.com/v1/")
	got, err := c.Resolve("/books", "page=2")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/books?page=2", got)
}

func TestFetchForwardsEndToEndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Empty(t, r.Header.Get("Cookie"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Cookie", "session=1")
	h.Set("Proxy-Authorization", "Basic x")

	resp, body, err := c.Fetch(context.Background(), http.MethodGet, srv.URL+"/books", h)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}
