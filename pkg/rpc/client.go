package rpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// question is the caller's record of an outbound call.
type question struct {
	id       uint32
	method   Method
	done     chan struct{}
	resolved bool
	results  cbor.RawMessage
	caps     []Handle
	err      error
	released []uint32
	stop     func() bool
}

// Client references a capability hosted by the peer, either directly by
// handle or as a capability promised by an unresolved answer.
type Client struct {
	conn     *Conn
	handle   *Handle
	promise  *promise
	err      error
	released atomic.Bool
}

type promise struct {
	q     *question
	index uint32
}

// ErrorClient returns a client whose calls all fail with err.
func ErrorClient(err error) *Client {
	return &Client{err: err}
}

// Conn returns the connection the capability lives on.
func (cl *Client) Conn() *Conn { return cl.conn }

// String describes the client's target.
func (cl *Client) String() string {
	switch {
	case cl.err != nil:
		return "broken(" + cl.err.Error() + ")"
	case cl.handle != nil:
		return "import " + cl.handle.String()
	case cl.promise != nil:
		return fmt.Sprintf("promise q%d[%d]", cl.promise.q.id, cl.promise.index)
	default:
		return "null"
	}
}

// targetLocked resolves the wire target. Promises that have already
// resolved are addressed by handle.
func (cl *Client) targetLocked() (protocol.MessageTarget, error) {
	switch {
	case cl.err != nil:
		return protocol.MessageTarget{}, cl.err
	case cl.released.Load():
		return protocol.MessageTarget{}, ErrReleased
	case cl.handle != nil:
		h := *cl.handle
		return protocol.MessageTarget{Import: &h}, nil
	case cl.promise != nil:
		q, idx := cl.promise.q, cl.promise.index
		if !q.resolved {
			return protocol.MessageTarget{Promised: &protocol.PromisedAnswer{QuestionID: q.id, CapIndex: idx}}, nil
		}
		if q.err != nil {
			return protocol.MessageTarget{}, q.err
		}
		if int(idx) >= len(q.caps) {
			return protocol.MessageTarget{}, fmt.Errorf("%w: %d of %d", ErrNoCapability, idx, len(q.caps))
		}
		h := q.caps[idx]
		return protocol.MessageTarget{Import: &h}, nil
	default:
		return protocol.MessageTarget{}, ErrReleased
	}
}

// Call invokes m with params. caps are exported to the peer alongside the
// call and referenced from params by position.
//
// Canceling ctx before the answer arrives tells the peer to abandon the
// call and fails the answer with the context's error.
func (cl *Client) Call(ctx context.Context, m Method, params any, caps ...Server) *Answer {
	c := cl.conn
	if cl.err != nil {
		return &Answer{err: cl.err}
	}

	var raw cbor.RawMessage
	if params != nil {
		var err error
		if raw, err = protocol.MarshalRaw(params); err != nil {
			return &Answer{conn: c, err: err}
		}
	}
	capTable, err := c.exportAll(caps)
	if err != nil {
		return &Answer{conn: c, err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &Answer{conn: c, err: ErrConnectionClosed}
	}
	target, err := cl.targetLocked()
	if err != nil {
		c.mu.Unlock()
		for _, h := range capTable {
			if e, rerr := c.exports.Remove(h); rerr == nil {
				e.shutdown()
			}
		}
		return &Answer{conn: c, err: err}
	}

	q := &question{
		id:     c.nextQuestion,
		method: m,
		done:   make(chan struct{}),
	}
	c.nextQuestion++
	c.questions[q.id] = q
	c.sendLocked(&protocol.RPCMessage{Call: &protocol.RPCCall{
		QuestionID:  q.id,
		Target:      target,
		InterfaceID: m.InterfaceID,
		MethodID:    m.MethodID,
		Params:      raw,
		CapTable:    capTable,
	}})
	if ctx.Done() != nil {
		q.stop = context.AfterFunc(ctx, func() { c.cancelQuestion(q, ctx.Err()) })
	}
	c.mu.Unlock()

	return &Answer{conn: c, q: q}
}

// Release drops the reference to the remote capability. The peer cancels
// calls still running on it. Calls made through this client afterwards fail
// with ErrReleased; other clients for the same capability are invalidated
// too.
func (cl *Client) Release() {
	if cl.err != nil || !cl.released.CompareAndSwap(false, true) {
		return
	}
	c := cl.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch {
	case cl.handle != nil:
		c.sendLocked(&protocol.RPCMessage{Release: &protocol.RPCRelease{Handle: *cl.handle}})
	case cl.promise != nil:
		q, idx := cl.promise.q, cl.promise.index
		if !q.resolved {
			q.released = append(q.released, idx)
			return
		}
		if q.err == nil && int(idx) < len(q.caps) {
			c.sendLocked(&protocol.RPCMessage{Release: &protocol.RPCRelease{Handle: q.caps[idx]}})
		}
	}
}

func (c *Conn) cancelQuestion(q *question, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.resolved || c.closed {
		return
	}
	q.resolved = true
	q.err = err
	close(q.done)
	c.sendLocked(&protocol.RPCMessage{Finish: &protocol.RPCFinish{QuestionID: q.id, Cancel: true}})
}

// Answer is the eventual result of a call.
type Answer struct {
	conn *Conn
	q    *question
	err  error
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed once the answer has resolved.
func (a *Answer) Done() <-chan struct{} {
	if a.err != nil {
		return closedChan
	}
	return a.q.done
}

// Err waits for the answer and returns its error, if any.
func (a *Answer) Err(ctx context.Context) error {
	return a.Struct(ctx, nil)
}

// Struct waits for the answer and decodes its results into out (which may
// be nil). Canceling ctx abandons the call.
func (a *Answer) Struct(ctx context.Context, out any) error {
	if a.err != nil {
		return a.err
	}
	select {
	case <-a.q.done:
	case <-ctx.Done():
		a.conn.cancelQuestion(a.q, ctx.Err())
		<-a.q.done
	}
	if a.q.err != nil {
		return a.q.err
	}
	if out == nil || len(a.q.results) == 0 {
		return nil
	}
	return protocol.UnmarshalRaw(a.q.results, out)
}

// Cap returns a client for the i-th capability in the answer's results. It
// may be called, and the client used, before the answer resolves.
func (a *Answer) Cap(i int) *Client {
	if a.err != nil {
		return ErrorClient(a.err)
	}
	if i < 0 {
		return ErrorClient(fmt.Errorf("%w: %d", ErrNoCapability, i))
	}
	return &Client{conn: a.conn, promise: &promise{q: a.q, index: uint32(i)}}
}
