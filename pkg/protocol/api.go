// Package protocol defines the remote request/response types and the OData
// conventions used to talk to the Dataverse Web API.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// APIVersion is the Dataverse Web API version used for every URL.
const APIVersion = "v9.2"

// OData annotations and headers.
const (
	EtagAnnotation = "@odata.etag"
	HeaderIfMatch  = "If-Match"
	HeaderIfNone   = "If-None-Match"
	HeaderPrefer   = "Prefer"
	HeaderFileName = "x-ms-file-name"
	HeaderETag     = "ETag"
)

// ErrInvalidEntityID is returned when an entity id is not a GUID.
var ErrInvalidEntityID = errors.New("entity id is not a valid GUID")

// Request is a remote call. Body is kept as bytes so the request can be
// rebuilt for every retry attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Build creates an *http.Request for one attempt.
func (r Request) Build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Response is a fully read remote response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// NotModified reports a 304 status.
func (r *Response) NotModified() bool {
	return r != nil && r.StatusCode == http.StatusNotModified
}

// ETag returns the response ETag header, if any.
func (r *Response) ETag() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get(HeaderETag)
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// AsStatusError checks if an error is a StatusError and returns it.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrorResponse is the OData error envelope.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ErrorMessage extracts the OData error message from a response body, or the
// status text when the body carries none.
func ErrorMessage(resp *Response) string {
	if resp == nil {
		return ""
	}
	var er ErrorResponse
	if json.Unmarshal(resp.Body, &er) == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return http.StatusText(resp.StatusCode)
}

// NormalizeEntityID validates a GUID and returns it in canonical lowercase form.
func NormalizeEntityID(id string) (string, error) {
	u, err := uuid.Parse(strings.Trim(id, "{}"))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	return u.String(), nil
}

// EntitySetURL returns the collection URL for an entity set with query
// parameters appended. Spaces in OData expressions are percent-encoded.
func EntitySetURL(orgURL, entitySet, query string) string {
	base := strings.TrimSuffix(orgURL, "/") + "/api/data/" + APIVersion + "/" + entitySet
	if query == "" {
		return base
	}
	if !strings.HasPrefix(query, "?") && !strings.HasPrefix(query, "/") {
		query = "?" + query
	}
	return base + strings.ReplaceAll(query, " ", "%20")
}

// EntityURL returns the URL of a single record.
func EntityURL(orgURL, entitySet, id string) string {
	return EntitySetURL(orgURL, entitySet, "") + "(" + id + ")"
}
