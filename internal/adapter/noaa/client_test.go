package noaa

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchYear_Success(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Write([]byte("gz-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/by_year/", 5*time.Second, 2, time.Millisecond, slog.Default())
	dst := filepath.Join(t.TempDir(), "2020.csv.gz")

	require.NoError(t, c.FetchYear(context.Background(), 2020, dst))
	assert.Equal(t, "/by_year/2020.csv.gz", gotPath.Load())

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "gz-bytes", string(data))
}

func TestFetchYear_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 5, time.Millisecond, slog.Default())
	retries := 0
	c.OnRetry = func() { retries++ }

	dst := filepath.Join(t.TempDir(), "2020.csv.gz")
	require.NoError(t, c.FetchYear(context.Background(), 2020, dst))
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 2, retries)
}

func TestFetchYear_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 2, time.Millisecond, slog.Default())
	dst := filepath.Join(t.TempDir(), "2020.csv.gz")

	err := c.FetchYear(context.Background(), 2020, dst)
	require.Error(t, err)
	assert.NoFileExists(t, dst)
}

func TestFetchYear_MissingYearFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 5, time.Millisecond, slog.Default())
	dst := filepath.Join(t.TempDir(), "2020.csv.gz")

	err := c.FetchYear(context.Background(), 2020, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchYear_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, 100, 50*time.Millisecond, slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.FetchYear(ctx, 2020, filepath.Join(t.TempDir(), "2020.csv.gz"))
	require.Error(t, err)
}
