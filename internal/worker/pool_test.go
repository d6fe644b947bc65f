package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goxel/goxeld/internal/dispatch"
	"github.com/goxel/goxeld/internal/protocol"
	"github.com/goxel/goxeld/internal/queue"
)

// collectSink records delivered responses.
type collectSink struct {
	mu        sync.Mutex
	responses []*protocol.Response
}

func (s *collectSink) Deliver(_ *queue.Entry, resp *protocol.Response) {
	s.mu.Lock()
	s.responses = append(s.responses, resp)
	s.mu.Unlock()
}

func (s *collectSink) wait(t *testing.T, n int) []*protocol.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.responses) >= n {
			out := append([]*protocol.Response(nil), s.responses...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses", n)
	return nil
}

func testDispatcher(handlers map[string]dispatch.HandlerFunc) *dispatch.Dispatcher {
	d := dispatch.New()
	for name, h := range handlers {
		d.Register(name, nil, h)
	}
	d.Freeze()
	return d
}

func TestPoolProcessesRequests(t *testing.T) {
	d := testDispatcher(map[string]dispatch.HandlerFunc{
		"echo": func(context.Context, *dispatch.Params) (any, *dispatch.Error) {
			return "ok", nil
		},
	})
	q := queue.New(16)
	p := New(q, d, Config{Workers: 2})
	p.Start()
	defer p.Stop()

	sink := &collectSink{}
	for i := 0; i < 5; i++ {
		err := q.Enqueue(&queue.Entry{
			Sink:    sink,
			Request: &protocol.Request{Method: "echo", ID: protocol.IntID(int64(i))},
		})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	responses := sink.wait(t, 5)
	for _, resp := range responses {
		if resp.IsError() {
			t.Fatalf("unexpected error: %+v", resp.Err())
		}
	}
	if p.GetStats().Processed != 5 {
		t.Fatalf("expected 5 processed, got %+v", p.GetStats())
	}
}

func TestPoolDiscardsCancelled(t *testing.T) {
	ran := make(chan struct{}, 1)
	d := testDispatcher(map[string]dispatch.HandlerFunc{
		"work": func(context.Context, *dispatch.Params) (any, *dispatch.Error) {
			ran <- struct{}{}
			return "ok", nil
		},
	})
	q := queue.New(16)

	sink := &collectSink{}
	e := &queue.Entry{Sink: sink, Request: &protocol.Request{Method: "work", ID: protocol.IntID(1)}}
	if err := q.Enqueue(e); err != nil {
		t.Fatal(err)
	}
	q.Cancel(e.RequestID)

	p := New(q, d, Config{Workers: 2})
	p.Start()
	defer p.Stop()

	select {
	case <-ran:
		t.Fatal("cancelled entry must not reach the handler")
	case <-time.After(200 * time.Millisecond):
	}
	if p.GetStats().Discarded != 1 {
		t.Fatalf("expected 1 discarded, got %+v", p.GetStats())
	}
}

func TestPoolTimesOutStaleEntry(t *testing.T) {
	d := testDispatcher(map[string]dispatch.HandlerFunc{
		"work": func(context.Context, *dispatch.Params) (any, *dispatch.Error) {
			return "ok", nil
		},
	})
	q := queue.New(16)

	sink := &collectSink{}
	e := &queue.Entry{
		Sink:    sink,
		Request: &protocol.Request{Method: "work", ID: protocol.IntID(1)},
		Timeout: time.Millisecond,
	}
	if err := q.Enqueue(e); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // let the deadline lapse before any worker exists

	p := New(q, d, Config{Workers: 2})
	p.Start()
	defer p.Stop()

	responses := sink.wait(t, 1)
	if !responses[0].IsError() || responses[0].Err().Code != protocol.CodeRequestTimeout {
		t.Fatalf("expected -32001, got %+v", responses[0].Err())
	}
	if p.GetStats().TimedOut != 1 {
		t.Fatalf("expected 1 timed out, got %+v", p.GetStats())
	}
}

func TestPoolSurvivesHandlerPanic(t *testing.T) {
	d := testDispatcher(map[string]dispatch.HandlerFunc{
		"boom": func(context.Context, *dispatch.Params) (any, *dispatch.Error) {
			panic("kaboom")
		},
		"echo": func(context.Context, *dispatch.Params) (any, *dispatch.Error) {
			return "ok", nil
		},
	})
	q := queue.New(16)
	p := New(q, d, Config{Workers: 2})
	p.Start()
	defer p.Stop()

	sink := &collectSink{}
	q.Enqueue(&queue.Entry{Sink: sink, Request: &protocol.Request{Method: "boom", ID: protocol.IntID(1)}})
	responses := sink.wait(t, 1)
	if !responses[0].IsError() || responses[0].Err().Code != protocol.CodeInternalError {
		t.Fatalf("expected internal error from panic, got %+v", responses[0].Err())
	}

	// The pool keeps working afterwards.
	q.Enqueue(&queue.Entry{Sink: sink, Request: &protocol.Request{Method: "echo", ID: protocol.IntID(2)}})
	responses = sink.wait(t, 2)
	if responses[1].IsError() {
		t.Fatalf("pool dead after panic: %+v", responses[1].Err())
	}
}

func TestPoolDrainCompletesQueuedWork(t *testing.T) {
	d := testDispatcher(map[string]dispatch.HandlerFunc{
		"slowish": func(context.Context, *dispatch.Params) (any, *dispatch.Error) {
			time.Sleep(5 * time.Millisecond)
			return "ok", nil
		},
	})
	q := queue.New(64)
	p := New(q, d, Config{Workers: 2, ShutdownTimeout: 5 * time.Second})
	p.Start()

	sink := &collectSink{}
	const n = 20
	for i := 0; i < n; i++ {
		if err := q.Enqueue(&queue.Entry{Sink: sink, Request: &protocol.Request{Method: "slowish", ID: protocol.IntID(int64(i))}}); err != nil {
			t.Fatal(err)
		}
	}

	p.Stop()

	sink.mu.Lock()
	got := len(sink.responses)
	sink.mu.Unlock()
	if got != n {
		t.Fatalf("drain lost work: %d of %d responses delivered", got, n)
	}
	if p.Running() {
		t.Fatal("pool still running after Stop")
	}
}

func TestDefaultWorkersClamped(t *testing.T) {
	n := DefaultWorkers()
	if n < 2 || n > 16 {
		t.Fatalf("worker default out of clamp range: %d", n)
	}
}
