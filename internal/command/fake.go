package command

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Call is one invocation seen by a Recorder.
type Call struct {
	Cmd Cmd
}

// Line renders the call as "name arg1 arg2".
func (c Call) Line() string { return c.Cmd.String() }

// Response is what a Handler answers with.
type Response struct {
	Out []byte
	Err error
}

// Handler answers a command for a Recorder. Returning false passes the command
// on to the next handler.
type Handler func(c Cmd) (Response, bool)

// Recorder is an in-memory Runner that records every call and answers from a
// list of handlers. Unanswered commands succeed with empty output. It is safe
// for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	handlers []Handler
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Handle registers a handler. Handlers are consulted in registration order.
func (r *Recorder) Handle(h Handler) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	return r
}

// On answers every command whose rendered line contains substr.
func (r *Recorder) On(substr string, out string) *Recorder {
	return r.Handle(func(c Cmd) (Response, bool) {
		if strings.Contains(c.String(), substr) {
			return Response{Out: []byte(out)}, true
		}
		return Response{}, false
	})
}

// Fail makes every command whose rendered line contains substr fail.
func (r *Recorder) Fail(substr string, stderr string) *Recorder {
	return r.Handle(func(c Cmd) (Response, bool) {
		if strings.Contains(c.String(), substr) {
			return Response{Err: &ExitError{Cmd: c.String(), Stderr: stderr, Err: errors.New("exit status 1")}}, true
		}
		return Response{}, false
	})
}

// Run records c and answers it.
func (r *Recorder) Run(ctx context.Context, c Cmd) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Cmd: c})
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, h := range handlers {
		if resp, ok := h(c); ok {
			return resp.Out, resp.Err
		}
	}
	return nil, nil
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Lines returns the rendered command lines in call order.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Line()
	}
	return out
}

// Matching returns the rendered lines that contain substr.
func (r *Recorder) Matching(substr string) []string {
	var out []string
	for _, l := range r.Lines() {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}
