// app.go — The local-application boundary.
// The dispatcher sees applications as a single Accept capability over
// fully-buffered requests; chunking never crosses this boundary.
package receiver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Request is one reassembled inbound HTTP request.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// Response is what the application hands back. Reason may be empty; the
// gateway derives the phrase from Status.
type Response struct {
	Status  int
	Reason  string
	Headers http.Header
	Body    []byte
}

// App is the local application the receiver fronts.
type App interface {
	Accept(ctx context.Context, req *Request) (*Response, error)
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context, req *Request) (*Response, error)

// Accept implements App.
func (f AppFunc) Accept(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HandlerApp adapts any http.Handler into an App, so a local mux can be
// exposed through the tunnel unchanged.
type HandlerApp struct {
	Handler http.Handler
}

// Accept implements App by running the handler against a captured
// response writer.
func (a *HandlerApp) Accept(ctx context.Context, req *Request) (*Response, error) {
	u := &url.URL{Path: req.Path, RawQuery: req.Query.Encode()}
	hr, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytesReader(req.Body))
	if err != nil {
		return nil, err
	}
	hr.Header = req.Headers.Clone()
	if hr.Header == nil {
		hr.Header = make(http.Header)
	}
	hr.ContentLength = int64(len(req.Body))

	rec := &responseCapture{header: make(http.Header), status: http.StatusOK}
	a.Handler.ServeHTTP(rec, hr)
	return &Response{
		Status:  rec.status,
		Reason:  http.StatusText(rec.status),
		Headers: rec.header,
		Body:    rec.body,
	}, nil
}

// responseCapture is a minimal in-memory http.ResponseWriter.
type responseCapture struct {
	header http.Header
	status int
	body   []byte
	wrote  bool
}

func (r *responseCapture) Header() http.Header { return r.header }

func (r *responseCapture) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
}

func (r *responseCapture) Write(p []byte) (int, error) {
	r.wrote = true
	r.body = append(r.body, p...)
	return len(p), nil
}
