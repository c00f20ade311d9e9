package discover

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="/about">About</a>
			<a href="/pricing">Pricing</a>
			<a href="/about">About again</a>
			<a href="/logo.png">Logo</a>
			<a href="https://elsewhere.example.com/page">External</a>
			<a href="mailto:hi@example.com">Mail</a>
		</body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/team">Team</a></body></html>`)
	})
	mux.HandleFunc("/pricing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/">Home</a></body></html>`)
	})
	mux.HandleFunc("/team", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>team</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverSameHostBounded(t *testing.T) {
	t.Parallel()

	srv := testSite(t)
	d := New(Config{Timeout: 5 * time.Second}, zap.NewNop())

	urls, err := d.Discover(context.Background(), srv.URL, 50)
	require.NoError(t, err)

	require.Equal(t, srv.URL, urls[0])
	require.Contains(t, urls, srv.URL+"/about")
	require.Contains(t, urls, srv.URL+"/pricing")
	require.Contains(t, urls, srv.URL+"/team")
	for _, u := range urls {
		require.NotContains(t, u, "elsewhere.example.com")
		require.NotContains(t, u, ".png")
		require.NotContains(t, u, "mailto")
	}
	// /about linked twice, recorded once
	seen := map[string]int{}
	for _, u := range urls {
		seen[u]++
	}
	require.Equal(t, 1, seen[srv.URL+"/about"])
}

func TestDiscoverRespectsMaxPages(t *testing.T) {
	t.Parallel()

	srv := testSite(t)
	d := New(Config{Timeout: 5 * time.Second}, zap.NewNop())

	urls, err := d.Discover(context.Background(), srv.URL, 2)
	require.NoError(t, err)
	require.Len(t, urls, 2)
	require.Equal(t, srv.URL, urls[0])
}

func TestDiscoverRejectsBadRoot(t *testing.T) {
	t.Parallel()

	d := New(Config{}, nil)
	_, err := d.Discover(context.Background(), "ftp://example.com", 10)
	require.Error(t, err)
}

func TestLooksLikePage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/about", true},
		{"https://example.com/docs/guide.html", true},
		{"https://example.com/report.pdf", false},
		{"https://example.com/img/logo.SVG", false},
		{"https://example.com/app.js", false},
		{"mailto:hi@example.com", false},
		{"tel:+15551234", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, looksLikePage(tc.url), tc.url)
	}
}

func TestAccumulatorLimitAndOrder(t *testing.T) {
	t.Parallel()

	acc := newAccumulator("https://example.com", 3)
	require.True(t, acc.add("https://example.com/a"))
	require.True(t, acc.add("https://example.com/b"))
	require.False(t, acc.add("https://example.com/a"))
	require.False(t, acc.add("https://example.com/c"))

	require.Equal(t, []string{
		"https://example.com",
		"https://example.com/a",
		"https://example.com/b",
	}, acc.ordered())
}
