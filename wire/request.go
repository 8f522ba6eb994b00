package wire

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EncodeRequest reads the request body and builds its serialized form. The
// URL is made absolute using the request's Host and scheme.
func EncodeRequest(r *http.Request) (SerializedRequest, error) {
	header := r.Header
	if r.Host != "" && header.Get("Host") == "" {
		// net/http moves Host out of the header map on incoming requests.
		header = header.Clone()
		if header == nil {
			header = http.Header{}
		}
		header.Set("Host", r.Host)
	}
	req := SerializedRequest{
		URL:     requestURL(r),
		Method:  r.Method,
		Headers: HeadersFromHTTP(header),
	}
	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return SerializedRequest{}, fmt.Errorf("failed to read request body: %w", err)
	}
	body := base64.StdEncoding.EncodeToString(data)
	req.Body = &body
	return req, nil
}

// DecodeRequest rebuilds an *http.Request from its serialized form.
func DecodeRequest(req SerializedRequest) (*http.Request, error) {
	r, err := http.NewRequest(req.Method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	r.Header = req.Headers.HTTP()
	if host := req.Headers.Get("Host"); host != "" {
		r.Host = host
	}

	if req.Body != nil {
		data, err := base64.StdEncoding.DecodeString(*req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode request body: %w", err)
		}
		// Set explicitly so that a present but empty body is not turned into NoBody.
		r.Body = io.NopCloser(bytes.NewReader(data))
		r.ContentLength = int64(len(data))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}
	return r, nil
}

// BodyBytes decodes the request body. An absent body yields nil.
func (req SerializedRequest) BodyBytes() ([]byte, error) {
	return decodeBody(req.Body)
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func decodeBody(body *string) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(*body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	return data, nil
}
