package handlers

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/homesync/internal/transport"
	apperrors "github.com/charlesng35/homesync/pkg/errors"
	"github.com/charlesng35/homesync/pkg/logger"
	"github.com/charlesng35/homesync/pkg/response"
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHandler forwards unmatched routes to the upstream API through the interceptor client.
type ProxyHandler struct {
	base   *url.URL
	client *http.Client
	log    *zap.Logger
}

// NewProxyHandler validates the upstream base URL.
func NewProxyHandler(baseURL string, client *http.Client) (*ProxyHandler, error) {
	if client == nil {
		return nil, errors.New("proxy: http client is required")
	}
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("proxy: parse upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("proxy: upstream url %q must be absolute", baseURL)
	}
	return &ProxyHandler{base: base, client: client, log: logger.WithModule("proxy")}, nil
}

// Forward relays the request upstream and copies the response back verbatim.
// A mutation deferred while offline answers 202 with its queue id.
func (h *ProxyHandler) Forward(c *gin.Context) {
	outbound, err := h.outboundRequest(c)
	if err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	resp, err := h.client.Do(outbound)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	for name, values := range resp.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	removeHopHeaders(header)

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.log.Debug("copy upstream body", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
}

func (h *ProxyHandler) outboundRequest(c *gin.Context) (*http.Request, error) {
	in := c.Request
	target := *h.base
	target.Path = singleJoiningSlash(h.base.Path, in.URL.Path)
	target.RawPath = ""
	target.RawQuery = in.URL.RawQuery

	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}

	out, err := http.NewRequestWithContext(in.Context(), in.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = in.ContentLength
	out.Header = in.Header.Clone()
	removeHopHeaders(out.Header)

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	return out, nil
}

func (h *ProxyHandler) writeError(c *gin.Context, err error) {
	var deferred *transport.DeferredError
	switch {
	case errors.As(err, &deferred):
		response.Deferred(c, deferred.ID)
	case errors.Is(err, apperrors.ErrStorage):
		h.log.Warn("mutation could not be queued", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.Error(c, err)
	default:
		h.log.Warn("upstream request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		response.Error(c, apperrors.ErrUpstream.WithInternal(err))
	}
}

func removeHopHeaders(header http.Header) {
	for _, field := range strings.Split(header.Get("Connection"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			header.Del(field)
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
