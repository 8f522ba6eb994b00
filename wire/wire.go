// Package wire defines the JSON envelopes that carry an HTTP request into a
// sandbox and its response back out, together with the handshake messages
// exchanged with the sandbox.
package wire

import (
	"net/http"
	"sort"
	"strings"
)

// Headers is an ordered list of [name, value] pairs. Names are lower-cased and
// duplicate names are kept as separate pairs.
type Headers [][2]string

// HeadersFromHTTP flattens an http.Header. Names are emitted in sorted order
// and the values of each name keep their original order.
func HeadersFromHTTP(h http.Header) Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make(Headers, 0, len(h))
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, value := range h[name] {
			headers = append(headers, [2]string{lower, value})
		}
	}
	return headers
}

// HTTP converts the pairs back into an http.Header.
func (h Headers) HTTP() http.Header {
	header := make(http.Header, len(h))
	for _, pair := range h {
		header.Add(pair[0], pair[1])
	}
	return header
}

// Get returns the first value for name, compared case-insensitively.
func (h Headers) Get(name string) string {
	for _, pair := range h {
		if strings.EqualFold(pair[0], name) {
			return pair[1]
		}
	}
	return ""
}

// SerializedRequest is an HTTP request as it crosses the sandbox boundary.
// Body is nil when the original request had no body and otherwise holds the
// base64-encoded bytes, possibly empty.
type SerializedRequest struct {
	URL     string  `json:"url"`
	Method  string  `json:"method"`
	Headers Headers `json:"headers"`
	Body    *string `json:"body,omitempty"`
}

// SerializedResponse is an HTTP response as it crosses the sandbox boundary.
type SerializedResponse struct {
	Status     int     `json:"status"`
	StatusText string  `json:"statusText"`
	Headers    Headers `json:"headers"`
	Body       *string `json:"body,omitempty"`
}
