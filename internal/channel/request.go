package channel

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
)

// maxBodySize caps webhook bodies at 1MB.
const maxBodySize = 1 << 20

// Request is an incoming webhook with its body already read, so adapters
// can verify signatures and decode it more than once.
type Request struct {
	HTTP *http.Request
	Body []byte

	form url.Values
}

// NewRequest reads r's body and leaves r.Body rewound.
func NewRequest(r *http.Request) (*Request, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read webhook body: %w", err)
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return &Request{HTTP: r, Body: body}, nil
}

func (r *Request) Method() string          { return r.HTTP.Method }
func (r *Request) Header(key string) string { return r.HTTP.Header.Get(key) }
func (r *Request) Query() url.Values        { return r.HTTP.URL.Query() }

// Form parses a urlencoded body.
func (r *Request) Form() (url.Values, error) {
	if r.form != nil {
		return r.form, nil
	}
	form, err := url.ParseQuery(string(r.Body))
	if err != nil {
		return nil, err
	}
	r.form = form
	return form, nil
}

// IsIncoming reports whether the request method is one that carries messages.
func IsIncoming(a Adapter, req *Request) bool {
	return slices.Contains(a.WebhookMethods(), req.Method())
}
