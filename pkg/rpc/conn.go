package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Options configures a Conn.
type Options struct {
	// Bootstrap is exported at slot 0. Nil exports a placeholder that
	// answers every call with ErrUnimplemented.
	Bootstrap Server

	// Middleware wraps every inbound call, outermost first.
	Middleware []Middleware

	// Limits applies to frames read from the control stream.
	Limits *protocol.Limits

	// CloseTimeout bounds how long Close waits to flush the abort message.
	// Default: 1s.
	CloseTimeout time.Duration

	// Logger receives handler panics and protocol errors. Nil discards them.
	Logger *zap.Logger
}

// Conn is one end of an RPC connection over a control stream.
type Conn struct {
	stream io.ReadWriteCloser
	r      *protocol.Reader
	w      *protocol.Writer
	mws    []Middleware
	log    *zap.Logger

	closeTimeout time.Duration

	exports HandleTable[*export]

	mu           sync.Mutex
	closed       bool
	closeReason  string
	questions    map[uint32]*question
	nextQuestion uint32
	answers      map[uint32]*answer
	out          []*protocol.RPCMessage

	outSignal chan struct{}
	flushed   chan struct{}
	done      chan struct{}
}

// NewConn starts an RPC connection on rw. Call Serve to process inbound
// messages.
func NewConn(rw io.ReadWriteCloser, opts *Options) *Conn {
	if opts == nil {
		opts = &Options{}
	}
	c := &Conn{
		stream:       rw,
		r:            protocol.NewReader(rw, opts.Limits),
		w:            protocol.NewWriter(rw, opts.Limits),
		mws:          opts.Middleware,
		log:          opts.Logger,
		closeTimeout: opts.CloseTimeout,
		questions:    make(map[uint32]*question),
		answers:      make(map[uint32]*answer),
		outSignal:    make(chan struct{}, 1),
		flushed:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.closeTimeout <= 0 {
		c.closeTimeout = time.Second
	}

	boot := opts.Bootstrap
	if boot == nil {
		boot = unimplementedServer{}
	}
	// The table is empty, so this is always protocol.BootstrapHandle.
	c.exports.Add(newExport(c, boot))

	go c.writeLoop()
	return c
}

// Bootstrap returns a client for the peer's bootstrap capability.
func (c *Conn) Bootstrap() *Client {
	h := protocol.BootstrapHandle
	return &Client{conn: c, handle: &h}
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns the reason passed to Close, once closed.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Close sends an abort to the peer, fails every outstanding question with
// ErrConnectionClosed, invalidates every capability and closes the stream.
func (c *Conn) Close(reason string) error {
	c.shutdown(reason, true)
	return nil
}

// Serve reads and processes inbound messages until the connection closes.
// It returns nil when the connection was closed locally or by the peer, and
// the cause otherwise. Canceling ctx closes the connection.
func (c *Conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close("context canceled") })
	defer stop()

	for {
		var msg protocol.RPCMessage
		if err := c.r.ReadMessage(&msg); err != nil {
			if c.isClosed() || errors.Is(err, io.EOF) {
				c.shutdown("peer closed the control stream", false)
				return nil
			}
			c.log.Warn("control stream read failed", zap.Error(err))
			c.shutdown("malformed message", true)
			return fmt.Errorf("rpc: read: %w", err)
		}

		if err := c.handle(&msg); err != nil {
			if errors.Is(err, ErrAborted) {
				c.shutdown(err.Error(), false)
				return err
			}
			c.log.Warn("protocol violation", zap.String("kind", msg.Kind()), zap.Error(err))
			c.shutdown(err.Error(), true)
			return err
		}
	}
}

func (c *Conn) handle(msg *protocol.RPCMessage) error {
	n := 0
	for _, set := range []bool{msg.Call != nil, msg.Return != nil, msg.Finish != nil, msg.Release != nil, msg.Abort != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: message with %d bodies", ErrProtocol, n)
	}

	switch {
	case msg.Call != nil:
		return c.handleCall(msg.Call)
	case msg.Return != nil:
		return c.handleReturn(msg.Return)
	case msg.Finish != nil:
		c.handleFinish(msg.Finish)
	case msg.Release != nil:
		c.handleRelease(msg.Release)
	case msg.Abort != nil:
		return fmt.Errorf("%w: %s", ErrAborted, msg.Abort.Reason)
	}
	return nil
}

// inbound is a call received from the peer.
type inbound struct {
	id       uint32
	method   Method
	target   protocol.MessageTarget
	params   cbor.RawMessage
	capTable []Handle
	ans      *answer
}

// answer is the callee's record of an inbound question.
type answer struct {
	id        uint32
	resolved  bool
	caps      []Handle
	err       error
	pending   []*inbound
	cancel    context.CancelFunc
	cancelReq bool
	finished  bool
}

func (c *Conn) handleCall(call *protocol.RPCCall) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if _, dup := c.answers[call.QuestionID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: duplicate question %d", ErrProtocol, call.QuestionID)
	}

	in := &inbound{
		id:       call.QuestionID,
		method:   Method{InterfaceID: call.InterfaceID, MethodID: call.MethodID},
		target:   call.Target,
		params:   call.Params,
		capTable: call.CapTable,
		ans:      &answer{id: call.QuestionID},
	}
	c.answers[in.id] = in.ans
	err := c.routeLocked(in)
	c.mu.Unlock()

	if err != nil {
		c.finish(in, nil, err)
	}
	return nil
}

// routeLocked delivers in to its target's mailbox, or parks it on an
// unresolved answer.
func (c *Conn) routeLocked(in *inbound) error {
	switch t := in.target; {
	case t.Import != nil:
		e, err := c.exports.Get(*t.Import)
		if err != nil {
			return err
		}
		e.enqueue(in)
		return nil
	case t.Promised != nil:
		a, ok := c.answers[t.Promised.QuestionID]
		if !ok {
			return Failed("no answer for question %d", t.Promised.QuestionID)
		}
		if !a.resolved {
			a.pending = append(a.pending, in)
			return nil
		}
		return c.routeResolvedLocked(a, in)
	default:
		return Failed("call has no target")
	}
}

func (c *Conn) routeResolvedLocked(a *answer, in *inbound) error {
	if a.err != nil {
		return a.err
	}
	idx := in.target.Promised.CapIndex
	if int(idx) >= len(a.caps) {
		return fmt.Errorf("%w: %d of %d", ErrNoCapability, idx, len(a.caps))
	}
	e, err := c.exports.Get(a.caps[idx])
	if err != nil {
		return err
	}
	e.enqueue(in)
	return nil
}

// run executes in on export e. It is called from e's mailbox goroutine.
func (c *Conn) run(e *export, in *inbound) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if in.ans.cancelReq {
		c.mu.Unlock()
		c.finish(in, nil, context.Canceled)
		return
	}
	if e.ctx.Err() != nil {
		c.mu.Unlock()
		c.finish(in, nil, ErrReleased)
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	in.ans.cancel = cancel
	caps := make([]*Client, len(in.capTable))
	for i, h := range in.capTable {
		h := h
		caps[i] = &Client{conn: c, handle: &h}
	}
	c.mu.Unlock()

	call := &Call{
		Method: describe(e.server, in.method),
		params: in.params,
		caps:   caps,
		conn:   c,
	}
	res, err := c.invoke(ctx, e.server, call)
	cancel()
	c.finish(in, res, err)
}

func describe(srv Server, m Method) Method {
	d, ok := srv.(Describer)
	if !ok {
		return m
	}
	named := d.Describe(m.MethodID)
	named.InterfaceID = m.InterfaceID
	named.MethodID = m.MethodID
	return named
}

func (c *Conn) invoke(ctx context.Context, srv Server, call *Call) (res *Results, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("rpc handler panic",
				zap.Stringer("method", call.Method),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res, err = nil, Failed("internal error")
		}
	}()
	return chain(ctx, c.mws, srv, call)
}

// finish resolves in's answer, releases calls pipelined on it and queues
// the return.
func (c *Conn) finish(in *inbound, res *Results, err error) {
	ret := &protocol.RPCReturn{AnswerID: in.id}
	var caps []Handle
	if err == nil && res != nil {
		ret.Results, caps, err = c.exportResults(res)
	}

	c.mu.Lock()
	a := in.ans
	a.resolved = true
	if err != nil {
		ret.Exception = toException(err)
		a.err = fromException(ret.Exception)
	} else {
		ret.CapTable = caps
		a.caps = caps
	}

	pending := a.pending
	a.pending = nil
	type failure struct {
		in  *inbound
		err error
	}
	var failed []failure
	for _, p := range pending {
		if rerr := c.routeResolvedLocked(a, p); rerr != nil {
			failed = append(failed, failure{p, rerr})
		}
	}
	if a.finished {
		delete(c.answers, a.id)
	}
	if !c.closed {
		c.sendLocked(&protocol.RPCMessage{Return: ret})
	}
	c.mu.Unlock()

	for _, f := range failed {
		c.finish(f.in, nil, f.err)
	}
}

func (c *Conn) exportResults(res *Results) (cbor.RawMessage, []Handle, error) {
	var raw cbor.RawMessage
	if res.Value != nil {
		var err error
		if raw, err = protocol.MarshalRaw(res.Value); err != nil {
			return nil, nil, err
		}
	}
	caps, err := c.exportAll(res.Caps)
	if err != nil {
		return nil, nil, err
	}
	return raw, caps, nil
}

// exportAll adds servers to the export table. On failure nothing is added.
func (c *Conn) exportAll(servers []Server) ([]Handle, error) {
	if len(servers) == 0 {
		return nil, nil
	}
	handles := make([]Handle, 0, len(servers))
	for _, s := range servers {
		h, err := c.exports.Add(newExport(c, s))
		if err != nil {
			for _, added := range handles {
				c.exports.Remove(added)
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (c *Conn) handleReturn(ret *protocol.RPCReturn) error {
	c.mu.Lock()
	q, ok := c.questions[ret.AnswerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: return for unknown question %d", ErrProtocol, ret.AnswerID)
	}
	delete(c.questions, ret.AnswerID)

	if q.resolved {
		// Canceled locally; nobody will use the returned capabilities.
		for _, h := range ret.CapTable {
			c.sendLocked(&protocol.RPCMessage{Release: &protocol.RPCRelease{Handle: h}})
		}
	} else {
		if ret.Exception != nil {
			q.err = fromException(ret.Exception)
		} else {
			q.results = ret.Results
			q.caps = ret.CapTable
			for _, idx := range q.released {
				if int(idx) < len(q.caps) {
					c.sendLocked(&protocol.RPCMessage{Release: &protocol.RPCRelease{Handle: q.caps[idx]}})
				}
			}
		}
		q.resolved = true
		close(q.done)
	}
	c.sendLocked(&protocol.RPCMessage{Finish: &protocol.RPCFinish{QuestionID: ret.AnswerID}})
	stop := q.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	return nil
}

func (c *Conn) handleFinish(f *protocol.RPCFinish) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.answers[f.QuestionID]
	if !ok {
		return
	}
	a.finished = true
	if a.resolved {
		delete(c.answers, a.id)
		return
	}
	if f.Cancel {
		a.cancelReq = true
		if a.cancel != nil {
			a.cancel()
		}
	}
}

func (c *Conn) handleRelease(r *protocol.RPCRelease) {
	e, err := c.exports.Remove(r.Handle)
	if err != nil {
		c.log.Debug("release of unknown capability", zap.Stringer("handle", r.Handle), zap.Error(err))
		return
	}
	e.shutdown()
}

// sendLocked queues msg for the writer. The queue order is the wire order,
// so anything queued under c.mu is totally ordered with other messages.
func (c *Conn) sendLocked(msg *protocol.RPCMessage) {
	c.out = append(c.out, msg)
	select {
	case c.outSignal <- struct{}{}:
	default:
	}
}

func (c *Conn) writeLoop() {
	defer close(c.flushed)
	for {
		c.mu.Lock()
		batch := c.out
		c.out = nil
		closed := c.closed
		c.mu.Unlock()

		for _, msg := range batch {
			if err := c.w.WriteMessage(msg); err != nil {
				if !closed {
					c.log.Debug("control stream write failed", zap.Error(err))
				}
				c.shutdown("write failed", false)
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-c.outSignal
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown moves the connection to closed in one step. With flush set it
// queues an abort and waits (bounded) for the writer to drain.
func (c *Conn) shutdown(reason string, flush bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason

	var stops []func() bool
	for _, q := range c.questions {
		if !q.resolved {
			q.resolved = true
			q.err = ErrConnectionClosed
			close(q.done)
		}
		if q.stop != nil {
			stops = append(stops, q.stop)
		}
	}
	c.questions = nil
	for _, a := range c.answers {
		if a.cancel != nil {
			a.cancel()
		}
	}
	c.answers = nil
	exports := c.exports.Close()
	if flush {
		c.out = append(c.out, &protocol.RPCMessage{Abort: &protocol.RPCAbort{Reason: reason}})
	}
	select {
	case c.outSignal <- struct{}{}:
	default:
	}
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, e := range exports {
		e.shutdown()
	}
	if flush {
		t := time.NewTimer(c.closeTimeout)
		select {
		case <-c.flushed:
		case <-t.C:
		}
		t.Stop()
	}
	c.stream.Close()
	close(c.done)
}

// export is a hosted capability with its mailbox.
type export struct {
	conn   *Conn
	server Server
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []*inbound
	running  bool
	shutOnce sync.Once
}

func newExport(c *Conn, s Server) *export {
	ctx, cancel := context.WithCancel(context.Background())
	return &export{conn: c, server: s, ctx: ctx, cancel: cancel}
}

// enqueue appends in to the mailbox without blocking.
func (e *export) enqueue(in *inbound) {
	e.mu.Lock()
	e.queue = append(e.queue, in)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.drain()
}

func (e *export) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		in := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.conn.run(e, in)
	}
}

func (e *export) shutdown() {
	e.shutOnce.Do(func() {
		e.cancel()
		if s, ok := e.server.(Shutdowner); ok {
			s.Shutdown()
		}
	})
}
