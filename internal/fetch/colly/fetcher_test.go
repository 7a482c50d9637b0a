package colly

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Moze54/smartSpider/internal/proxy"
	"github.com/Moze54/smartSpider/internal/spider"
)

func newTestFetcher() *Fetcher {
	return New(Config{
		UserAgent:    "spider-test",
		Timeout:      5 * time.Second,
		IgnoreRobots: true,
	}, nil)
}

func TestFetchReturnsBodyAndStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><h1>ok</h1></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	resp, err := f.Fetch(context.Background(), spider.FetchRequest{URL: srv.URL + "/page"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "<h1>ok</h1>")
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	require.Positive(t, resp.Duration)
}

func TestFetchSurfacesNon2xxStatusWithoutError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := newTestFetcher()
	resp, err := f.Fetch(context.Background(), spider.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestFetchSendsLeasedCookiesAndHeaders(t *testing.T) {
	t.Parallel()

	var gotCookie, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			gotCookie = c.Value
		}
		gotHeader = r.Header.Get("X-Task")
	}))
	defer srv.Close()

	f := newTestFetcher()
	header := http.Header{}
	header.Set("X-Task", "task-1")
	_, err := f.Fetch(context.Background(), spider.FetchRequest{
		URL:     srv.URL,
		Header:  header,
		Cookies: map[string]string{"sid": "lease-one"},
	})
	require.NoError(t, err)
	require.Equal(t, "lease-one", gotCookie)
	require.Equal(t, "task-1", gotHeader)
}

func TestFetchRoutesThroughConfiguredProxy(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotHost string
	)
	// A forward proxy receives the absolute target URL in the request line.
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHost = r.URL.Host
		mu.Unlock()
		_, _ = w.Write([]byte("<html>via proxy</html>"))
	}))
	defer proxySrv.Close()

	pool, err := proxy.New(proxy.Config{URLs: []string{proxySrv.URL}})
	require.NoError(t, err)

	f := New(Config{
		UserAgent:    "spider-test",
		Timeout:      5 * time.Second,
		IgnoreRobots: true,
		Proxies:      pool,
	}, nil)

	resp, err := f.Fetch(context.Background(), spider.FetchRequest{URL: "http://origin.invalid/page"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "via proxy")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "origin.invalid", gotHost)
}

func TestFetchCookiesDoNotLeakBetweenRequests(t *testing.T) {
	t.Parallel()

	var second string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			if c, err := r.Cookie("sid"); err == nil {
				second = c.Value
			}
		}
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.Fetch(context.Background(), spider.FetchRequest{
		URL:     srv.URL,
		Cookies: map[string]string{"sid": "first"},
	})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), spider.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Empty(t, second)
}
