// Package transport adds offline resilience to an http.Client: reads are cached and
// served from cache when the upstream is unreachable, and mutations issued while
// offline are queued for replay.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/homesync/internal/models"
	"github.com/charlesng35/homesync/internal/monitoring"
	appErrors "github.com/charlesng35/homesync/pkg/errors"
	"github.com/charlesng35/homesync/pkg/logger"
	"github.com/charlesng35/homesync/pkg/validator"
)

const (
	// CacheHeader marks a response substituted from the local cache.
	CacheHeader = "X-Homesync-Cache"
	// CachedAtHeader carries the cache entry timestamp in milliseconds since epoch.
	CachedAtHeader = "X-Homesync-Cached-At"
)

// Descriptor is the replayable form of a queued request.
type Descriptor = models.Descriptor

// Store is the subset of the local store used by the interceptor.
type Store interface {
	CachePut(ctx context.Context, key string, resp models.CachedResponse) error
	CacheGet(ctx context.Context, key string) (*models.CachedResponse, error)
	QueueEnqueue(ctx context.Context, desc models.Descriptor) (uint64, error)
}

// Connectivity reports whether the upstream is reachable.
type Connectivity interface {
	Online() bool
}

// TokenSource supplies the bearer token.
type TokenSource interface {
	Token() string
	Clear()
}

// Publisher receives sync events.
type Publisher interface {
	Publish(event string, payload any)
}

// Option customises the Interceptor.
type Option func(*Interceptor)

// WithLogger overrides the module logger.
func WithLogger(log *zap.Logger) Option {
	return func(i *Interceptor) {
		if log != nil {
			i.log = log
		}
	}
}

// WithPublisher emits a "mutation.queued" event for each deferral.
func WithPublisher(p Publisher) Option {
	return func(i *Interceptor) {
		i.publisher = p
	}
}

// Interceptor is an http.RoundTripper with pre-send and post-receive hooks.
type Interceptor struct {
	base      http.RoundTripper
	store     Store
	conn      Connectivity
	tokens    TokenSource
	publisher Publisher
	log       *zap.Logger
}

// New wraps base. A nil base uses http.DefaultTransport and a nil tokens source attaches
// nothing. A nil store disables caching; offline mutations then fail with ErrStorage.
func New(base http.RoundTripper, store Store, conn Connectivity, tokens TokenSource, opts ...Option) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	i := &Interceptor{
		base:   base,
		store:  store,
		conn:   conn,
		tokens: tokens,
		log:    logger.WithModule("transport"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewClient returns an http.Client routed through rt. Redirects are returned to the
// caller rather than followed.
func NewClient(rt http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// CacheKey builds the response cache key for a request.
func CacheKey(method, url string) string {
	return strings.ToUpper(method) + ":" + url
}

type replayKey struct{}

// WithReplay marks ctx as carrying a queue replay. Replays are never queued again.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// IsReplay reports whether ctx was marked by WithReplay.
func IsReplay(ctx context.Context) bool {
	replay, _ := ctx.Value(replayKey{}).(bool)
	return replay
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	out := req.Clone(ctx)
	attached := i.attachToken(out)

	if !i.online() {
		if IsReplay(ctx) {
			closeBody(out)
			return nil, appErrors.ErrOffline
		}
		if validator.IsMutatingMethod(out.Method) {
			return nil, i.deferMutation(out, attached)
		}
	}

	resp, err := i.base.RoundTrip(out)
	if err == nil && attached && resp.StatusCode == http.StatusUnauthorized {
		i.log.Warn("upstream rejected bearer token; clearing credentials", zap.String("url", out.URL.String()))
		i.tokens.Clear()
	}

	if out.Method != http.MethodGet {
		return resp, err
	}
	if i.store == nil {
		return resp, err
	}
	if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return i.cacheResponse(out, resp)
	}
	if i.online() {
		return resp, err
	}
	return i.fallback(out, resp, err)
}

func (i *Interceptor) online() bool {
	return i.conn == nil || i.conn.Online()
}

func (i *Interceptor) attachToken(req *http.Request) bool {
	if i.tokens == nil || req.Header.Get("Authorization") != "" {
		return false
	}
	token := i.tokens.Token()
	if token == "" {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return true
}

// deferMutation queues req and returns the error the caller sees. A failed enqueue is
// reported as such; the caller is never told a request was saved when it was not.
func (i *Interceptor) deferMutation(req *http.Request, attached bool) error {
	if i.store == nil {
		closeBody(req)
		monitoring.RecordEnqueue(req.Method, "error")
		return appErrors.ErrStorage.WithInternal(errors.New("transport: no local store configured"))
	}

	desc, err := describe(req, attached)
	if err != nil {
		monitoring.RecordEnqueue(req.Method, "error")
		return err
	}

	// The mutation outlives the caller: a cancelled request context must not lose it.
	id, err := i.store.QueueEnqueue(context.WithoutCancel(req.Context()), desc)
	if err != nil {
		monitoring.RecordEnqueue(req.Method, "error")
		i.log.Error("failed to queue offline mutation",
			zap.String("method", desc.Method),
			zap.String("url", desc.URL),
			zap.Error(err),
		)
		return err
	}

	monitoring.RecordEnqueue(req.Method, "success")
	i.log.Info("queued offline mutation",
		zap.Uint64("id", id),
		zap.String("method", desc.Method),
		zap.String("url", desc.URL),
	)
	if i.publisher != nil {
		i.publisher.Publish("mutation.queued", map[string]any{
			"id":     id,
			"method": desc.Method,
			"url":    desc.URL,
		})
	}
	return &DeferredError{ID: id, Method: desc.Method, URL: desc.URL}
}

// describe captures req as a Descriptor. A token attached by the interceptor is left out
// so the replay picks up whatever token is current at that time.
func describe(req *http.Request, attached bool) (Descriptor, error) {
	desc := Descriptor{
		Method:  strings.ToUpper(req.Method),
		URL:     req.URL.String(),
		Headers: make(map[string]string, len(req.Header)),
	}

	for name, values := range req.Header {
		if attached && strings.EqualFold(name, "Authorization") {
			continue
		}
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		desc.Headers[name] = strings.Join(values, headerSeparator(name))
	}

	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return Descriptor{}, fmt.Errorf("transport: read request body: %w", err)
		}
		if len(body) > 0 {
			desc.Body = body
		}
	}
	return desc, nil
}

// headerSeparator returns the separator used to fold repeated header lines into one.
func headerSeparator(name string) string {
	if strings.EqualFold(name, "Cookie") {
		return "; "
	}
	return ", "
}

func (i *Interceptor) cacheResponse(req *http.Request, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("transport: read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	key := CacheKey(req.Method, req.URL.String())
	err = i.store.CachePut(context.WithoutCancel(req.Context()), key, models.CachedResponse{
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		StatusCode:      resp.StatusCode,
	})
	if err != nil {
		monitoring.RecordCacheWrite("error")
		i.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	} else {
		monitoring.RecordCacheWrite("success")
	}
	return resp, nil
}

// fallback substitutes a cached body for a failed read. On a miss the original outcome
// is returned untouched.
func (i *Interceptor) fallback(req *http.Request, resp *http.Response, origErr error) (*http.Response, error) {
	key := CacheKey(req.Method, req.URL.String())
	// A client timeout has already expired the request context by now.
	cached, err := i.store.CacheGet(context.WithoutCancel(req.Context()), key)
	if err != nil {
		i.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if cached == nil {
		monitoring.RecordCacheFallback("miss")
		return resp, origErr
	}

	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	monitoring.RecordCacheFallback("hit")
	i.log.Debug("serving cached response", zap.String("key", key), zap.NamedError("upstream_error", errorOrStatus(resp, origErr)))
	return cachedResponse(req, cached), nil
}

func cachedResponse(req *http.Request, cached *models.CachedResponse) *http.Response {
	header := make(http.Header)
	if cached.ContentType != "" {
		header.Set("Content-Type", cached.ContentType)
	}
	if cached.ContentEncoding != "" {
		header.Set("Content-Encoding", cached.ContentEncoding)
	}
	header.Set(CacheHeader, "hit")
	header.Set(CachedAtHeader, strconv.FormatInt(cached.Timestamp, 10))
	header.Set("Content-Length", strconv.Itoa(len(cached.Body)))

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}

func errorOrStatus(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	if resp != nil {
		return errors.New(resp.Status)
	}
	return nil
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
