package models

// Descriptor is the replayable shape of an outgoing mutating request.
type Descriptor struct {
	Method  string            `json:"method" validate:"required,mutation"`
	URL     string            `json:"url" validate:"required,url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// CachedResponse is the value stored for a cached read.
type CachedResponse struct {
	Body            []byte `json:"body"`
	ContentType     string `json:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	StatusCode      int    `json:"status_code"`
	Timestamp       int64  `json:"timestamp"`
}

// Descriptor rebuilds the request descriptor of a queued mutation.
func (m QueuedMutation) Descriptor() Descriptor {
	return Descriptor{
		Method:  m.Method,
		URL:     m.URL,
		Headers: m.HeaderMap(),
		Body:    m.Body,
	}
}

// Response converts a stored entry into its cached response value.
func (e CacheEntry) Response() CachedResponse {
	return CachedResponse{
		Body:            e.Payload,
		ContentType:     e.ContentType,
		ContentEncoding: e.ContentEncoding,
		StatusCode:      e.StatusCode,
		Timestamp:       e.Timestamp,
	}
}
