// Package dispatch routes canonical requests to registered method
// handlers and maps typed handler failures to JSON-RPC error responses.
//
// The registry is mutable during daemon startup only. Freeze() is called
// before the socket server starts accepting; afterwards the table is
// read-only.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goxel/goxeld/internal/logging"
	"github.com/goxel/goxeld/internal/metrics"
	"github.com/goxel/goxeld/internal/observability"
	"github.com/goxel/goxeld/internal/protocol"
)

// HandlerFunc executes one method call. Handlers must not retain p or
// any value reachable from it after returning.
type HandlerFunc func(ctx context.Context, p *Params) (any, *Error)

// Method pairs a schema with its handler.
type Method struct {
	Name    string
	Schema  []Field
	Handler HandlerFunc
}

// Dispatcher is the process-wide method registry.
type Dispatcher struct {
	mu      sync.Mutex
	methods map[string]*Method
	frozen  bool
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{methods: make(map[string]*Method)}
}

// Register installs a method. Registering after Freeze or registering a
// duplicate name panics: both are startup wiring bugs, not runtime
// conditions.
func (d *Dispatcher) Register(name string, schema []Field, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		panic("dispatch: Register after Freeze: " + name)
	}
	if _, dup := d.methods[name]; dup {
		panic("dispatch: duplicate method: " + name)
	}
	d.methods[name] = &Method{Name: name, Schema: schema, Handler: handler}
}

// Freeze makes the registry immutable.
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}

// Lookup returns the method entry, nil if unknown.
func (d *Dispatcher) Lookup(name string) *Method {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.methods[name]
}

// MethodNames returns the sorted registered method names.
func (d *Dispatcher) MethodNames() []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	d.mu.Unlock()
	sort.Strings(names)
	return names
}

// Dispatch executes a parsed request synchronously on the calling
// goroutine and returns the response. The caller decides whether the
// response is delivered (it is dropped for notifications and dead
// connections).
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	ctx, span := observability.StartServerSpan(ctx, "rpc.dispatch",
		observability.AttrMethod.String(req.Method),
	)
	defer span.End()

	resp := d.dispatch(ctx, req)

	elapsed := time.Since(start)
	if resp.IsError() {
		observability.SetSpanErrorMessage(span, resp.Err().Message)
		metrics.RecordRequest(req.Method, false, elapsed)
	} else {
		observability.SetSpanOK(span)
		metrics.RecordRequest(req.Method, true, elapsed)
	}
	logging.Default().Log(&logging.RequestLog{
		Method:     req.Method,
		DurationMs: elapsed.Milliseconds(),
		Success:    !resp.IsError(),
		Error:      errMessage(resp),
	})
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	m := d.Lookup(req.Method)
	if m == nil {
		return Errorf(KindMethodNotFound, "method not found: %s", req.Method).Response(req.ID)
	}

	params, perr := ExtractParams(m.Schema, req.Params)
	if perr != nil {
		return perr.Response(req.ID)
	}

	result, herr := m.Handler(ctx, params)
	if herr != nil {
		return herr.Response(req.ID)
	}

	resp, err := protocol.NewResult(req.ID, result)
	if err != nil {
		return Errorf(KindInternal, "encode result: %v", err).Response(req.ID)
	}
	return resp
}

func errMessage(resp *protocol.Response) string {
	if e := resp.Err(); e != nil {
		return e.Message
	}
	return ""
}
