package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/irrwatch/pkg/irr"
	"github.com/malbeclabs/irrwatch/pkg/logger"
)

type stubFetcher struct {
	result     *irr.FetchResult
	gotTarget  string
	gotSources []string
}

func (s *stubFetcher) Fetch(ctx context.Context, target string, sources []string) *irr.FetchResult {
	s.gotTarget = target
	s.gotSources = sources
	r := *s.result
	r.Target = target
	return &r
}

func newTestServer(t *testing.T, fetcher Fetcher) http.Handler {
	t.Helper()
	srv, err := NewServer(Config{
		Logger:  logger.NewTestLogger(),
		Fetcher: fetcher,
		Version: "test",
	})
	require.NoError(t, err)
	return srv.Router()
}

func TestServer(t *testing.T) {
	okResult := &irr.FetchResult{
		Merged:         irr.PrefixSetFrom([]string{"192.0.2.0/24"}, []string{"2001:db8::/32"}),
		SourcesQueried: []string{"RADB", "RIPE"},
	}

	t.Run("health", func(t *testing.T) {
		handler := newTestServer(t, &stubFetcher{result: okResult})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "test", body.Version)
	})

	t.Run("get prefixes by target", func(t *testing.T) {
		fetcher := &stubFetcher{result: okResult}
		handler := newTestServer(t, fetcher)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prefixes/AS64500", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "AS64500", fetcher.gotTarget)

		var body prefixResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, []string{"192.0.2.0/24"}, body.IPv4Prefixes)
		assert.Equal(t, []string{"2001:db8::/32"}, body.IPv6Prefixes)
		assert.Equal(t, 1, body.IPv4Count)
		assert.Equal(t, []string{"RADB", "RIPE"}, body.SourcesQueried)
	})

	t.Run("post fetch with explicit sources", func(t *testing.T) {
		fetcher := &stubFetcher{result: okResult}
		handler := newTestServer(t, fetcher)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch",
			strings.NewReader(`{"target":"AS64500","sources":["RADB"]}`))
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "AS64500", fetcher.gotTarget)
		assert.Equal(t, []string{"RADB"}, fetcher.gotSources)
	})

	t.Run("post fetch requires a target", func(t *testing.T) {
		handler := newTestServer(t, &stubFetcher{result: okResult})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch", strings.NewReader(`{}`))
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("post fetch rejects malformed JSON", func(t *testing.T) {
		handler := newTestServer(t, &stubFetcher{result: okResult})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch", strings.NewReader(`{`))
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("all sources failing is a bad gateway", func(t *testing.T) {
		failed := &irr.FetchResult{
			Merged: irr.NewPrefixSet(),
			Errors: []irr.SourceError{
				{Source: "RADB", Message: "dial timeout"},
				{Source: "RIPE", Message: "503"},
			},
		}
		handler := newTestServer(t, &stubFetcher{result: failed})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prefixes/AS64500", nil))

		require.Equal(t, http.StatusBadGateway, rec.Code)
		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.Errors, 2)
	})

	t.Run("partial failure still returns prefixes", func(t *testing.T) {
		partial := &irr.FetchResult{
			Merged:         irr.PrefixSetFrom([]string{"192.0.2.0/24"}, nil),
			SourcesQueried: []string{"RADB"},
			Errors:         []irr.SourceError{{Source: "RIPE", Message: "503"}},
		}
		handler := newTestServer(t, &stubFetcher{result: partial})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prefixes/AS64500", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body prefixResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, []string{"192.0.2.0/24"}, body.IPv4Prefixes)
		assert.Equal(t, []string{"RIPE: 503"}, body.Errors)
	})
}
