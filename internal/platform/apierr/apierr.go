// Package apierr is the one error type the HTTP surface (internal/httpapi)
// ever serializes: a status code, a machine-readable code, and the
// underlying cause. Handlers build one instead of writing ad hoc JSON at
// each call site.
package apierr

import "fmt"

type Error struct {
	Status int
	Code   string
	Err    error
}

// Body is what actually gets marshaled into the response; Error itself
// carries Status out-of-band for the handler to pass to c.JSON.
type Body struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func (e *Error) Body() Body {
	var b Body
	b.Error.Code = e.Code
	if e.Err != nil {
		b.Error.Message = e.Err.Error()
	} else {
		b.Error.Message = e.Error()
	}
	return b
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}
