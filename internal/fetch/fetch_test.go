package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testHTTP() *HTTP {
	return NewHTTP(HTTPOptions{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		Limiter:    rate.NewLimiter(rate.Inf, 1),
	})
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://example.com/weekly.csv"))
	assert.True(t, IsRemote("http://example.com/weekly.csv"))
	assert.True(t, IsRemote("ftp://mirror.example.com/weekly.csv"))
	assert.False(t, IsRemote("weekly.csv"))
	assert.False(t, IsRemote("/data/weekly.csv"))
}

func TestFor(t *testing.T) {
	d, err := For("https://example.com/weekly.csv")
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, d)

	d, err = For("ftp://mirror.example.com/weekly.csv")
	require.NoError(t, err)
	assert.IsType(t, &FTP{}, d)

	_, err = For("s3://bucket/weekly.csv")
	assert.Error(t, err)
}

func TestHTTPDownloadToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ingest-cli/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("project,price\nTHE SAIL,1500000\n"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "weekly.csv")
	n, err := testHTTP().DownloadToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.Equal(t, int64(31), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "THE SAIL")
}

func TestHTTPDownload_RetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "weekly.csv")
	_, err := testHTTP().DownloadToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestHTTPDownload_NotFoundDoesNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "weekly.csv")
	_, err := testHTTP().DownloadToFile(context.Background(), srv.URL, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
	assert.Equal(t, 1, calls)
}

func TestParseFTPURL(t *testing.T) {
	host, path, err := parseFTPURL("ftp://mirror.example.com/drops/weekly.csv")
	require.NoError(t, err)
	assert.Equal(t, "mirror.example.com:21", host)
	assert.Equal(t, "/drops/weekly.csv", path)

	host, _, err = parseFTPURL("ftp://mirror.example.com:2121/weekly.csv")
	require.NoError(t, err)
	assert.Equal(t, "mirror.example.com:2121", host)

	_, _, err = parseFTPURL("https://example.com/x")
	assert.Error(t, err)

	_, _, err = parseFTPURL("ftp://example.com")
	assert.Error(t, err)
}
