package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/homesync/internal/credentials"
	"github.com/charlesng35/homesync/internal/database/testutil"
	"github.com/charlesng35/homesync/internal/localstore"
	appErrors "github.com/charlesng35/homesync/pkg/errors"
)

type fakeConnectivity struct {
	online atomic.Bool
}

func newConnectivity(online bool) *fakeConnectivity {
	c := &fakeConnectivity{}
	c.online.Store(online)
	return c
}

func (c *fakeConnectivity) Online() bool { return c.online.Load() }

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(event string, payload any) {
	p.events = append(p.events, event)
}

type upstream struct {
	*httptest.Server
	hits     atomic.Int32
	status   atomic.Int32
	lastAuth atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.lastAuth.Store("")
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.lastAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(u.status.Load()))
		_, _ = io.WriteString(w, `{"path":"`+r.URL.RequestURI()+`"}`)
	}))
	t.Cleanup(u.Close)
	return u
}

func newStore(t *testing.T) *localstore.Store {
	t.Helper()
	db := testutil.MustOpenTestDB(t)
	store := localstore.New(func() (*gorm.DB, error) { return db, nil })
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestOnlineReadIsCached(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(true), nil), time.Second)

	resp, err := client.Get(up.URL + "/api/expenses?month=2024-05")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"path":"/api/expenses?month=2024-05"}`, readBody(t, resp))

	cached, err := store.CacheGet(context.Background(), "GET:"+up.URL+"/api/expenses?month=2024-05")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, `{"path":"/api/expenses?month=2024-05"}`, string(cached.Body))
	require.Equal(t, "application/json", cached.ContentType)
}

func TestFailedOnlineReadIsNotCached(t *testing.T) {
	up := newUpstream(t)
	up.status.Store(http.StatusInternalServerError)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(true), nil), time.Second)

	resp, err := client.Get(up.URL + "/api/todos")
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	readBody(t, resp)

	cached, err := store.CacheGet(context.Background(), "GET:"+up.URL+"/api/todos")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestOfflineMutationIsDeferred(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	publisher := &recordingPublisher{}
	tokens := credentials.NewStatic("secret-token")
	client := NewClient(New(nil, store, newConnectivity(false), tokens, WithPublisher(publisher)), time.Second)

	req, err := http.NewRequest(http.MethodPost, up.URL+"/api/expenses", strings.NewReader(`{"amount":42}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.Nil(t, resp)
	require.Error(t, err)
	require.True(t, errors.Is(err, appErrors.ErrOfflineDeferred))

	var deferred *DeferredError
	require.True(t, errors.As(err, &deferred))
	require.NotZero(t, deferred.ID)
	require.Zero(t, up.hits.Load(), "deferred mutations never reach the network")

	queued, err := store.QueueListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, deferred.ID, queued[0].ID)
	require.Equal(t, http.MethodPost, queued[0].Method)
	require.Equal(t, up.URL+"/api/expenses", queued[0].URL)
	require.Equal(t, `{"amount":42}`, string(queued[0].Body))

	headers := queued[0].HeaderMap()
	require.Equal(t, "application/json", headers["Content-Type"])
	require.NotContains(t, headers, "Authorization", "interceptor-attached tokens are re-attached on replay")
	require.Equal(t, []string{"mutation.queued"}, publisher.events)
}

func TestOfflineMutationKeepsCallerAuthorization(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(false), credentials.NewStatic("ambient")), time.Second)

	req, err := http.NewRequest(http.MethodDelete, up.URL+"/api/inventory/3", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer explicit")

	_, err = client.Do(req)
	require.ErrorIs(t, err, appErrors.ErrOfflineDeferred)

	queued, err := store.QueueListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "Bearer explicit", queued[0].HeaderMap()["Authorization"])
	require.Nil(t, queued[0].Body)
}

func TestEveryMutatingMethodIsDeferred(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(false), nil), time.Second)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		req, err := http.NewRequest(method, up.URL+"/api/todos/1", strings.NewReader(`{}`))
		require.NoError(t, err)
		_, err = client.Do(req)
		require.ErrorIs(t, err, appErrors.ErrOfflineDeferred, method)
	}

	queued, err := store.QueueListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 4)
	require.Equal(t, http.MethodDelete, queued[3].Method)
}

func TestOfflineReadFallsBackToCache(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	conn := newConnectivity(true)
	client := NewClient(New(nil, store, conn, nil), time.Second)

	resp, err := client.Get(up.URL + "/api/inventory")
	require.NoError(t, err)
	want := readBody(t, resp)

	conn.online.Store(false)
	up.status.Store(http.StatusServiceUnavailable)

	resp, err = client.Get(up.URL + "/api/inventory")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hit", resp.Header.Get(CacheHeader))
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get(CachedAtHeader))
	require.Equal(t, want, readBody(t, resp))
}

func TestOfflineReadFallsBackOnTransportError(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	conn := newConnectivity(true)
	client := NewClient(New(nil, store, conn, nil), time.Second)

	resp, err := client.Get(up.URL + "/api/todos")
	require.NoError(t, err)
	want := readBody(t, resp)

	target := up.URL + "/api/todos"
	up.Close()
	conn.online.Store(false)

	resp, err = client.Get(target)
	require.NoError(t, err)
	require.Equal(t, want, readBody(t, resp))
}

func TestOfflineReadMissPropagatesError(t *testing.T) {
	up := newUpstream(t)
	target := up.URL + "/api/todos"
	up.Close()

	client := NewClient(New(nil, newStore(t), newConnectivity(false), nil), time.Second)

	resp, err := client.Get(target)
	require.Error(t, err)
	require.Nil(t, resp)
	require.False(t, errors.Is(err, appErrors.ErrOfflineDeferred))
}

func TestOnlineFailureIsNotSubstituted(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(true), nil), time.Second)

	resp, err := client.Get(up.URL + "/api/expenses")
	require.NoError(t, err)
	readBody(t, resp)

	up.status.Store(http.StatusBadGateway)
	resp, err = client.Get(up.URL + "/api/expenses")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Empty(t, resp.Header.Get(CacheHeader))
	readBody(t, resp)
}

func TestTokenAttachment(t *testing.T) {
	up := newUpstream(t)
	client := NewClient(New(nil, newStore(t), newConnectivity(true), credentials.NewStatic("abc")), time.Second)

	plain, err := http.NewRequest(http.MethodGet, up.URL+"/api/todos", nil)
	require.NoError(t, err)
	resp, err := client.Do(plain)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, "Bearer abc", up.lastAuth.Load())
	require.Empty(t, plain.Header.Get("Authorization"), "caller request is not mutated")

	req, err := http.NewRequest(http.MethodGet, up.URL+"/api/todos", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err = client.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, "Basic dXNlcjpwYXNz", up.lastAuth.Load())
}

func TestUnauthorizedClearsAttachedToken(t *testing.T) {
	up := newUpstream(t)
	up.status.Store(http.StatusUnauthorized)
	tokens := credentials.NewStatic("expired")
	client := NewClient(New(nil, newStore(t), newConnectivity(true), tokens), time.Second)

	req, err := http.NewRequest(http.MethodGet, up.URL+"/api/todos", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-owned")
	resp, err := client.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, "expired", tokens.Token(), "a caller-supplied token does not clear the store")

	resp, err = client.Get(up.URL + "/api/todos")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	readBody(t, resp)
	require.Empty(t, tokens.Token())
}

func TestOfflineReplayIsNotRequeued(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(false), nil), time.Second)

	req, err := http.NewRequestWithContext(WithReplay(context.Background()), http.MethodPost, up.URL+"/api/expenses", strings.NewReader(`{}`))
	require.NoError(t, err)

	_, err = client.Do(req)
	require.ErrorIs(t, err, appErrors.ErrOffline)

	length, err := store.QueueLen(context.Background())
	require.NoError(t, err)
	require.Zero(t, length)
}

func TestEnqueueFailureIsNotReportedAsDeferred(t *testing.T) {
	up := newUpstream(t)
	degraded := localstore.New(func() (*gorm.DB, error) { return nil, errors.New("storage disabled") })
	client := NewClient(New(nil, degraded, newConnectivity(false), nil), time.Second)

	req, err := http.NewRequest(http.MethodPost, up.URL+"/api/expenses", strings.NewReader(`{}`))
	require.NoError(t, err)

	_, err = client.Do(req)
	require.ErrorIs(t, err, appErrors.ErrStorage)
	require.False(t, errors.Is(err, appErrors.ErrOfflineDeferred))
}

func TestCacheWriteFailureDoesNotFailRead(t *testing.T) {
	up := newUpstream(t)
	degraded := localstore.New(func() (*gorm.DB, error) { return nil, errors.New("storage disabled") })
	client := NewClient(New(nil, degraded, newConnectivity(true), nil), time.Second)

	resp, err := client.Get(up.URL + "/api/expenses")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"path":"/api/expenses"}`, readBody(t, resp))
}

func TestRoundTripCachesBeforeReturning(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	interceptor := New(nil, store, newConnectivity(true), nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, up.URL+"/api/todos", nil)
	require.NoError(t, err)

	resp, err := interceptor.RoundTrip(req)
	require.NoError(t, err)
	cancel()
	readBody(t, resp)

	cached, err := store.CacheGet(context.Background(), "GET:"+up.URL+"/api/todos")
	require.NoError(t, err)
	require.NotNil(t, cached)
}

func TestHeadRequestsPassThrough(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(false), nil), time.Second)

	resp, err := client.Head(up.URL + "/api/todos")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cached, err := store.CacheGet(context.Background(), "HEAD:"+up.URL+"/api/todos")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestCacheKey(t *testing.T) {
	require.Equal(t, "GET:http://h/api?a=1&b=2", CacheKey("get", "http://h/api?a=1&b=2"))
}

func TestOfflineReadFallsBackAfterClientTimeout(t *testing.T) {
	var hang atomic.Bool
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hang.Load() {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	store := newStore(t)
	conn := newConnectivity(true)
	client := NewClient(New(nil, store, conn, nil), 200*time.Millisecond)

	resp, err := client.Get(srv.URL + "/api/todos")
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, readBody(t, resp))

	hang.Store(true)
	conn.online.Store(false)

	resp, err = client.Get(srv.URL + "/api/todos")
	require.NoError(t, err)
	require.Equal(t, "hit", resp.Header.Get(CacheHeader))
	require.Equal(t, `{"ok":true}`, readBody(t, resp))
}

func TestCachedResponseKeepsContentEncoding(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := io.WriteString(zw, `{"items":["milk","eggs"]}`)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed.Bytes())
	}))
	t.Cleanup(srv.Close)

	store := newStore(t)
	conn := newConnectivity(true)
	client := NewClient(New(nil, store, conn, nil), time.Second)

	get := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/shopping", nil)
		require.NoError(t, err)
		// An explicit Accept-Encoding leaves the body compressed, as a proxied browser does.
		req.Header.Set("Accept-Encoding", "gzip")
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get()
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	readBody(t, resp)

	down.Store(true)
	conn.online.Store(false)

	resp = get()
	require.Equal(t, "hit", resp.Header.Get(CacheHeader))
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(strings.NewReader(readBody(t, resp)))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, `{"items":["milk","eggs"]}`, string(plain))
}

func TestClientDoesNotFollowRedirects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/api/expenses/42", http.StatusSeeOther)
	}))
	t.Cleanup(srv.Close)

	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(true), nil), time.Second)

	resp, err := client.Post(srv.URL+"/api/expenses", "application/json", strings.NewReader(`{"amount":5}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/api/expenses/42", resp.Header.Get("Location"))
	readBody(t, resp)
	require.EqualValues(t, 1, hits.Load())

	cached, err := store.CacheGet(context.Background(), "GET:"+srv.URL+"/api/expenses/42")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestNilStoreDisablesOfflineSupport(t *testing.T) {
	up := newUpstream(t)
	conn := newConnectivity(true)
	client := NewClient(New(nil, nil, conn, nil), time.Second)

	resp, err := client.Get(up.URL + "/api/todos")
	require.NoError(t, err)
	require.Equal(t, `{"path":"/api/todos"}`, readBody(t, resp))

	conn.online.Store(false)
	_, err = client.Post(up.URL+"/api/todos", "application/json", strings.NewReader(`{}`))
	require.ErrorIs(t, err, appErrors.ErrStorage)
	require.False(t, errors.Is(err, appErrors.ErrOfflineDeferred))
}

func TestQueuedCookiesKeepCookieSeparator(t *testing.T) {
	up := newUpstream(t)
	store := newStore(t)
	client := NewClient(New(nil, store, newConnectivity(false), nil), time.Second)

	req, err := http.NewRequest(http.MethodPut, up.URL+"/api/lists/1", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Add("Cookie", "session=abc")
	req.Header.Add("Cookie", "theme=dark")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Accept", "text/plain")

	_, err = client.Do(req)
	require.ErrorIs(t, err, appErrors.ErrOfflineDeferred)

	queued, err := store.QueueListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	headers := queued[0].HeaderMap()
	require.Equal(t, "session=abc; theme=dark", headers["Cookie"])
	require.Equal(t, "application/json, text/plain", headers["Accept"])
}
