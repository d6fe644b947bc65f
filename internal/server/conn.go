package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/goxel/goxeld/internal/logging"
	"github.com/goxel/goxeld/internal/metrics"
	"github.com/goxel/goxeld/internal/protocol"
	"github.com/goxel/goxeld/internal/queue"
	"github.com/goxel/goxeld/internal/toolcall"
)

// outFrame is one response waiting on the writer.
type outFrame struct {
	msgID   uint32
	payload []byte
}

// Conn is one client connection: a read loop, a writer draining an mpsc
// channel, and the pending-request bookkeeping.
//
// # Invariant
//
// When the connection closes, every pending request id is flagged
// cancelled on the queue and any response produced later is dropped
// here. Handlers still run to completion (or are discarded before
// running); they are never interrupted mid-call.
type Conn struct {
	id  string
	srv *Server
	nc  net.Conn

	writeCh chan *outFrame
	done    chan struct{}

	pendingMu sync.Mutex
	pending   map[uint32]struct{}

	connectedAt time.Time
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	wroteErr  atomic.Bool // write-error already logged once
}

func newConn(s *Server, nc net.Conn) *Conn {
	metrics.RecordConnection(true)
	return &Conn{
		id:          uuid.NewString(),
		srv:         s,
		nc:          nc,
		writeCh:     make(chan *outFrame, s.cfg.WriteQueueLen),
		done:        make(chan struct{}),
		pending:     make(map[uint32]struct{}),
		connectedAt: time.Now(),
	}
}

func (c *Conn) readLoop() {
	defer c.srv.wg.Done()
	defer c.close()

	for {
		if c.srv.cfg.IdleTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		}

		frame, err := protocol.ReadFrame(c.nc, c.srv.cfg.MaxFrameBytes)
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.bytesIn.Add(uint64(protocol.HeaderSize + len(frame.Payload)))
		c.messagesIn.Add(1)

		c.handleFrame(frame)
	}
}

func (c *Conn) handleReadError(err error) {
	var ferr *protocol.FrameError
	switch {
	case errors.As(err, &ferr):
		// Oversize or corrupt framing: answer once, then drop the peer.
		c.sendResponse(0, protocol.DialectCanonical, "",
			protocol.NewError(protocol.NullID(), protocol.CodeInvalidRequest, ferr.Reason, nil))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case isBrokenConnErr(err):
	case isTimeout(err):
		logging.Op().Debug("closing idle connection", "client_id", c.id)
	default:
		metrics.RecordConnectionError()
		logging.Op().Warn("connection read error", "client_id", c.id, "error", err)
	}
}

// handleFrame classifies one payload and routes it to the queue.
func (c *Conn) handleFrame(frame *protocol.Frame) {
	var top map[string]any
	if err := json.Unmarshal(frame.Payload, &top); err != nil {
		c.sendResponse(frame.MsgID, protocol.DialectCanonical, "",
			protocol.NewError(protocol.NullID(), protocol.CodeParseError, "parse error: "+err.Error(), nil))
		return
	}

	det := protocol.Detect(top)
	switch det.Dialect {
	case protocol.DialectCanonical:
		req, perr := protocol.ParseRequest(frame.Payload)
		if perr != nil {
			c.sendResponse(frame.MsgID, protocol.DialectCanonical, "",
				protocol.NewError(protocol.NullID(), perr.Code, perr.Message, nil))
			return
		}
		if frame.MsgType == protocol.FrameTypeNotification {
			req.ID = protocol.ID{}
		}
		c.enqueue(frame, req, det.Dialect, "")

	case protocol.DialectToolCall:
		req, tool, terr := c.srv.trans.Translate(frame.Payload)
		if terr != nil {
			c.sendToolError(frame.MsgID, terr.ErrorCode(), terr.Message)
			return
		}
		c.enqueue(frame, req, det.Dialect, tool)

	case protocol.DialectLegacyFlat:
		req, perr := parseLegacyFlat(frame.Payload)
		if perr != nil {
			c.sendResponse(frame.MsgID, protocol.DialectCanonical, "",
				protocol.NewError(protocol.NullID(), perr.Code, perr.Message, nil))
			return
		}
		c.enqueue(frame, req, det.Dialect, "")

	default:
		c.sendResponse(frame.MsgID, protocol.DialectCanonical, "",
			protocol.NewError(protocol.NullID(), protocol.CodeInvalidRequest, "unrecognized message shape", nil))
	}
}

// parseLegacyFlat accepts the pre-namespace {method, params} form.
func parseLegacyFlat(payload []byte) (*protocol.Request, *protocol.ErrorObject) {
	var raw struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &protocol.ErrorObject{Code: protocol.CodeParseError, Message: "parse error: " + err.Error()}
	}
	if raw.Method == "" {
		return nil, &protocol.ErrorObject{Code: protocol.CodeInvalidRequest, Message: "missing method"}
	}
	req := &protocol.Request{Method: raw.Method, Params: raw.Params}
	if raw.ID != nil {
		if err := req.ID.UnmarshalJSON(raw.ID); err != nil {
			return nil, &protocol.ErrorObject{Code: protocol.CodeInvalidRequest, Message: err.Error()}
		}
	}
	return req, nil
}

// priorityFor picks the queue band. Liveness probes jump the line;
// render and export work yields to interactive edits.
func priorityFor(method string) queue.Priority {
	switch method {
	case "ping", "version", "goxel.get_status":
		return queue.PriorityHigh
	case "goxel.render_scene", "goxel.export_model":
		return queue.PriorityLow
	default:
		return queue.PriorityNormal
	}
}

func (c *Conn) enqueue(frame *protocol.Frame, req *protocol.Request, dialect protocol.Dialect, tool string) {
	e := &queue.Entry{
		Sink:     c,
		Request:  req,
		Dialect:  dialect,
		Tool:     tool,
		FrameID:  frame.MsgID,
		Priority: priorityFor(req.Method),
		Timeout:  c.srv.cfg.RequestTimeout,
	}
	if err := c.srv.q.Enqueue(e); err != nil {
		if dialect == protocol.DialectToolCall {
			c.sendToolError(frame.MsgID, protocol.CodeServerBusy, "server busy: queue full")
			return
		}
		c.sendResponse(frame.MsgID, protocol.DialectCanonical, "",
			protocol.NewError(req.ID, protocol.CodeServerBusy, "server busy: queue full", nil))
		return
	}

	c.pendingMu.Lock()
	c.pending[e.RequestID] = struct{}{}
	c.pendingMu.Unlock()
}

// Deliver implements queue.Sink. Responses for notifications and dead
// connections are dropped; the handler has already run either way.
func (c *Conn) Deliver(e *queue.Entry, resp *protocol.Response) {
	c.pendingMu.Lock()
	delete(c.pending, e.RequestID)
	c.pendingMu.Unlock()

	if c.closed.Load() {
		return
	}
	if e.Dialect != protocol.DialectToolCall && e.Request.IsNotification() {
		return
	}
	c.sendResponse(e.FrameID, e.Dialect, e.Tool, resp)
}

func (c *Conn) sendResponse(msgID uint32, dialect protocol.Dialect, tool string, resp *protocol.Response) {
	var payload []byte
	var err error
	if dialect == protocol.DialectToolCall {
		payload, err = json.Marshal(toolcall.WrapResponse(resp))
	} else {
		payload, err = json.Marshal(resp)
	}
	if err != nil {
		logging.Op().Error("encode response failed", "client_id", c.id, "error", err)
		return
	}
	c.push(&outFrame{msgID: msgID, payload: payload})
}

func (c *Conn) sendToolError(msgID uint32, code int32, message string) {
	payload, err := json.Marshal(map[string]any{
		"success":       false,
		"error_code":    code,
		"error_message": message,
	})
	if err != nil {
		return
	}
	c.push(&outFrame{msgID: msgID, payload: payload})
}

func (c *Conn) push(f *outFrame) {
	if c.closed.Load() {
		return
	}
	select {
	case c.writeCh <- f:
	default:
		// Writer backlogged past the channel bound; the peer is not
		// reading. Drop it.
		metrics.RecordConnectionError()
		logging.Op().Warn("write queue full, dropping response", "client_id", c.id)
		c.close()
	}
}

// writeLoop serializes responses in arrival order. It owns the final
// socket close: on teardown it flushes whatever is already queued, then
// closes the fd, which also unblocks the read loop.
func (c *Conn) writeLoop() {
	defer c.srv.wg.Done()
	defer c.nc.Close()
	for {
		select {
		case f := <-c.writeCh:
			c.writeFrame(f)
		case <-c.done:
			for {
				select {
				case f := <-c.writeCh:
					c.writeFrame(f)
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(f *outFrame) {
	frame := &protocol.Frame{
		MsgID:   f.msgID,
		MsgType: protocol.FrameTypeResponse,
		Payload: f.payload,
	}
	if err := protocol.WriteFrame(c.nc, frame, c.srv.cfg.MaxFrameBytes); err != nil {
		if !c.wroteErr.Swap(true) {
			if isBrokenConnErr(err) {
				logging.Op().Debug("peer gone, discarding writes", "client_id", c.id)
			} else {
				metrics.RecordConnectionError()
				logging.Op().Warn("connection write error", "client_id", c.id, "error", err)
			}
		}
		return
	}
	c.bytesOut.Add(uint64(protocol.HeaderSize + len(f.payload)))
	c.messagesOut.Add(1)
}

// close tears the connection down once: pending requests are flagged
// cancelled, the writer is released, and the registry entry removed.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.pendingMu.Lock()
		ids := make([]uint32, 0, len(c.pending))
		for id := range c.pending {
			ids = append(ids, id)
		}
		c.pending = make(map[uint32]struct{})
		c.pendingMu.Unlock()
		for _, id := range ids {
			c.srv.q.Cancel(id)
		}

		// The writer drains queued responses and closes the fd, which
		// also unblocks a read in flight.
		close(c.done)
		c.srv.removeConn(c)
		metrics.RecordConnection(false)
		logging.Op().Debug("connection closed",
			"client_id", c.id,
			"age", time.Since(c.connectedAt),
			"bytes_in", c.bytesIn.Load(),
			"bytes_out", c.bytesOut.Load(),
			"messages_in", c.messagesIn.Load(),
			"messages_out", c.messagesOut.Load(),
			"cancelled", len(ids),
		)
	})
}

func isBrokenConnErr(err error) bool {
	return err != nil && (errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOTCONN))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
