// Package endpoint serves session state over HTTP.
//
// A handler runs in three steps: zero or more Processors inspect the request
// (admission, headers), the Func decides what to answer, and the Renderer it
// returns writes the response. Funcs never write to the response directly.
package endpoint

import (
	"errors"
	"net/http"
)

// Error is an error that maps to an HTTP status.
type Error struct {
	Status int
	// Message is a short description suitable for the response body.
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf returns an *Error, unless err already is one.
func Errorf(status int, message string, err error) error {
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Status: status, Message: message, Cause: err}
}

// Renderer writes a response. It must call WriteHeader.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor runs before the Func. It calls next to continue, or returns
// without calling it to stop the request, usually with an error. Processors
// may set headers but must not write the status or body.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// Func answers a request with a Renderer.
type Func func(w http.ResponseWriter, r *http.Request) (Renderer, error)

// Handle returns a handler running processors, in order, then fn. An *Error
// from any of them becomes a response with its status; any other error is a
// 500. A 204 or 304 *Error is written without a body, which lets a processor
// answer a request by itself.
func Handle(fn Func, processors ...Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var run func(i int, w http.ResponseWriter, r *http.Request) error
		run = func(i int, w http.ResponseWriter, r *http.Request) error {
			if i < len(processors) {
				return processors[i].Process(w, r, func(w http.ResponseWriter, r *http.Request) error {
					return run(i+1, w, r)
				})
			}
			rd, err := fn(w, r)
			if err != nil {
				return err
			}
			if rd == nil {
				return errors.New("endpoint: nil renderer")
			}
			return rd.Render(w, r)
		}

		if err := run(0, w, r); err != nil {
			status, message := http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
			var ee *Error
			if errors.As(err, &ee) {
				if ee.Status >= 100 {
					status = ee.Status
				}
				if status == http.StatusNoContent || status == http.StatusNotModified {
					w.WriteHeader(status)
					return
				}
				message = ee.Message
				if message == "" {
					message = http.StatusText(status)
				}
			}
			http.Error(w, message, status)
		}
	}
}
