package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Envelope is the only shape returned to callers, success or failure.
// ok is status < 400; raw transport errors map into the same shape.
type Envelope struct {
	OK        bool              `json:"ok"`
	Status    int               `json:"status,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      any               `json:"data,omitempty"`
	ElapsedMS int64             `json:"elapsedMs"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// BinaryBody stands in for response bodies that are never embedded in the
// envelope; only the byte length is reported.
type BinaryBody struct {
	ByteLength int `json:"byteLength"`
}

// surfacedHeaders is the fixed allow-list copied into envelopes. Everything
// else, including anything carrying secrets, is dropped.
var surfacedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Location",
	"Retry-After",
	"X-Request-Id",
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
}

const bodyPreviewLimit = 512

// Normalize reduces a raw response into the stable envelope. The body is
// consumed here; responseType selects json (default), text, or binary
// handling.
func Normalize(resp *http.Response, url, responseType string, elapsedMS int64) (*Envelope, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}

	env := &Envelope{
		OK:        resp.StatusCode < 400,
		Status:    resp.StatusCode,
		URL:       url,
		Headers:   pickHeaders(resp.Header),
		ElapsedMS: elapsedMS,
	}
	env.Data = shapeBody(body, resp.Header.Get("Content-Type"), responseType)
	if !env.OK {
		env.Message = BodyPreview(body)
	}
	return env, nil
}

func pickHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range surfacedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func shapeBody(body []byte, contentType, responseType string) any {
	if len(body) == 0 {
		return nil
	}
	if responseType == "binary" || isBinary(body, contentType) {
		return BinaryBody{ByteLength: len(body)}
	}
	if responseType == "text" {
		return string(body)
	}
	var data any
	if json.Unmarshal(body, &data) == nil {
		return data
	}
	return string(body)
}

func isBinary(body []byte, contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"), strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "xml"), strings.Contains(ct, "x-www-form-urlencoded"):
		return false
	case ct == "":
		return !utf8.Valid(body)
	default:
		return true
	}
}

// BodyPreview returns a short printable prefix of a response body for
// error diagnostics.
func BodyPreview(body []byte) string {
	s := strings.TrimSpace(string(body))
	if !utf8.ValidString(s) {
		return ""
	}
	if len(s) > bodyPreviewLimit {
		s = s[:bodyPreviewLimit]
	}
	return s
}

// ErrorEnvelope converts any failure into the envelope shape. The process
// never terminates on a remote API failure; every error resolves to a value.
func ErrorEnvelope(err error, elapsedMS int64) *Envelope {
	env := &Envelope{
		OK:        false,
		Code:      ErrorCode(err),
		Message:   err.Error(),
		ElapsedMS: elapsedMS,
	}
	var le *LookupError
	if errors.As(err, &le) && le.Status > 0 {
		env.Status = le.Status
	}
	var ae *AttachmentError
	if errors.As(err, &ae) && ae.Status > 0 {
		env.Status = ae.Status
	}
	return env
}
