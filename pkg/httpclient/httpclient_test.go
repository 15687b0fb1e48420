package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConditionalGetFresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Link", `<https://hub.example.com/>; rel="hub"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	res, err := c.ConditionalGet(context.Background(), srv.URL, "", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.False(t, res.NotModified)
	require.Equal(t, []byte("hello world"), res.Body)
	require.Equal(t, `"v1"`, res.ETag)
	require.Contains(t, res.LinkHeader, "rel=\"hub\"")
}

func TestConditionalGetNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	res, err := c.ConditionalGet(context.Background(), srv.URL, `"v1"`, "")
	require.NoError(t, err)
	require.True(t, res.NotModified)
	require.Nil(t, res.Body)
}

func TestConditionalGetNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	res, err := c.ConditionalGet(context.Background(), srv.URL, "", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	require.Nil(t, res.Body)
}

func TestPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sha256=abc", r.Header.Get("X-Hub-Signature"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ack"))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	res, err := c.Post(context.Background(), srv.URL, []byte("payload"), map[string]string{
		"X-Hub-Signature": "sha256=abc",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, []byte("ack"), res.Body)
}

func TestParseContentType(t *testing.T) {
	require.Equal(t, "text/html", ParseContentType("text/html; charset=iso-8859-1"))
	require.Equal(t, "application/json", ParseContentType("application/json"))
	require.Equal(t, "", ParseContentType(""))
}
