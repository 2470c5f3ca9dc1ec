package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/homesync/internal/transport"
	apperrors "github.com/charlesng35/homesync/pkg/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func proxyEngine(t *testing.T, base string, rt http.RoundTripper) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler, err := NewProxyHandler(base, &http.Client{Transport: rt})
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(handler.Forward)
	return r
}

func TestNewProxyHandlerRejectsRelativeURL(t *testing.T) {
	_, err := NewProxyHandler("api.home.lan", http.DefaultClient)
	require.Error(t, err)
	_, err = NewProxyHandler("http://api.home.lan", nil)
	require.Error(t, err)
}

func TestProxyForwardsRequestAndCopiesResponse(t *testing.T) {
	var seen *http.Request
	var seenBody string
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		seen = req
		body, _ := io.ReadAll(req.Body)
		seenBody = string(body)
		header := http.Header{}
		header.Set("Content-Type", "text/csv")
		header.Set("Connection", "close")
		header.Set("X-Export", "expenses")
		return &http.Response{
			StatusCode: http.StatusCreated,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader("id,amount\n1,2\n")),
			Request:    req,
		}, nil
	})
	r := proxyEngine(t, "http://api.home.lan:3000/v1", rt)

	req := httptest.NewRequest(http.MethodPost, "/api/export?format=csv", strings.NewReader(`{"year":2024}`))
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Request-Source", "web")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "id,amount\n1,2\n", w.Body.String())
	require.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	require.Equal(t, "expenses", w.Header().Get("X-Export"))
	require.Empty(t, w.Header().Get("Connection"))

	require.NotNil(t, seen)
	require.Equal(t, "http://api.home.lan:3000/v1/api/export?format=csv", seen.URL.String())
	require.Equal(t, `{"year":2024}`, seenBody)
	require.Equal(t, "web", seen.Header.Get("X-Request-Source"))
	require.Empty(t, seen.Header.Get("Connection"))
	require.Equal(t, "192.0.2.1", seen.Header.Get("X-Forwarded-For"))
}

func TestProxyAnswersAcceptedForDeferredMutation(t *testing.T) {
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, &transport.DeferredError{ID: 11, Method: req.Method, URL: req.URL.String()}
	})
	r := proxyEngine(t, "http://api.home.lan", rt)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/todos/3", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusAccepted, w.Code)
	require.JSONEq(t, `{"success":true,"data":{"queued":true,"id":11}}`, w.Body.String())
}

func TestProxyMapsStorageFailure(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, apperrors.ErrStorage.WithInternal(errors.New("database is locked"))
	})
	r := proxyEngine(t, "http://api.home.lan", rt)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/expenses", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "STORAGE_ERROR")
}

func TestProxyMapsTransportFailure(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	r := proxyEngine(t, "http://api.home.lan", rt)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/expenses", nil))

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "UPSTREAM_UNAVAILABLE")
	require.NotContains(t, w.Body.String(), "connection refused")
}

func TestSingleJoiningSlash(t *testing.T) {
	require.Equal(t, "/api/x", singleJoiningSlash("", "/api/x"))
	require.Equal(t, "/v1/api/x", singleJoiningSlash("/v1/", "/api/x"))
	require.Equal(t, "/v1/api/x", singleJoiningSlash("/v1", "api/x"))
	require.Equal(t, "/v1/api/x", singleJoiningSlash("/v1", "/api/x"))
}
