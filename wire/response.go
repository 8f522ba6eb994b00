package wire

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// NewSerializedResponse builds a response envelope. A nil body is absent.
func NewSerializedResponse(status int, statusText string, headers Headers, body []byte) SerializedResponse {
	resp := SerializedResponse{
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
	}
	if resp.Headers == nil {
		resp.Headers = Headers{}
	}
	if body != nil {
		encoded := base64.StdEncoding.EncodeToString(body)
		resp.Body = &encoded
	}
	return resp
}

// Validate checks the status range.
func (resp SerializedResponse) Validate() error {
	if resp.Status < 100 || resp.Status > 599 {
		return fmt.Errorf("status %d is outside the range 100-599", resp.Status)
	}
	return nil
}

// BodyBytes decodes the response body. An absent body yields nil.
func (resp SerializedResponse) BodyBytes() ([]byte, error) {
	return decodeBody(resp.Body)
}

// DecodeResponse rebuilds an *http.Response from its serialized form.
func DecodeResponse(resp SerializedResponse) (*http.Response, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	data, err := resp.BodyBytes()
	if err != nil {
		return nil, err
	}

	statusText := resp.StatusText
	if statusText == "" {
		statusText = http.StatusText(resp.Status)
	}
	r := &http.Response{
		Status:        strconv.Itoa(resp.Status) + " " + statusText,
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Headers.HTTP(),
		Body:          http.NoBody,
		ContentLength: 0,
	}
	if data != nil {
		r.Body = io.NopCloser(bytes.NewReader(data))
		r.ContentLength = int64(len(data))
	}
	return r, nil
}
