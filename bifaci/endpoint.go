package bifaci

import (
	"context"
	"errors"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/machinefabric/piperpc-go/cap"
	"github.com/machinefabric/piperpc-go/cbor"
)

// request is an invoke or post frame accepted by the read loop
type request struct {
	frame  *Frame
	entry  *cap.Entry
	cancel context.Context // set when the invoke frame carried the cancellation flag
	reject error           // set when the request is answered without running the handler
}

// event is one inbox item. Exactly one field is set; a non-nil err is
// terminal and stays at the head of the inbox so every later waiter sees it.
type event struct {
	request  *request
	response *Frame
	err      error
}

// inbox is the unbounded FIFO between the read loop and whichever
// goroutine is dispatching. Requests and responses share it so a callback
// posted before a result is always handled before that result.
type inbox struct {
	mu     sync.Mutex
	items  []event
	closed bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(ev event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	if ev.err != nil {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) next() event {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			if ev.err == nil {
				q.items[0] = event{}
				q.items = q.items[1:]
			}
			q.mu.Unlock()
			return ev
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// endpoint is the frame engine shared by Controller and Worker: a read
// loop that classifies frames, an inbox feeding the dispatching
// goroutine, outgoing calls with cookie-guarded cancellation, and handler
// execution against a frozen registry.
type endpoint struct {
	reader     *FrameReader
	writer     *syncFrameWriter
	registry   *cap.Registry
	serializer cbor.Serializer
	logger     zerolog.Logger

	queue    *inbox
	started  atomic.Bool
	readDone chan struct{}
	reached  atomic.Bool // set once any frame arrived from the peer

	// callMu serializes outgoing invokes; held for the whole write-then-wait
	callMu sync.Mutex

	// stateMu guards the cancellation cookie
	stateMu sync.Mutex
	cookie  uint64

	// cancelMu guards the cancellation object handed to incoming invokes
	cancelMu      sync.Mutex
	currentCancel context.CancelFunc
}

func newEndpoint(r io.Reader, w io.Writer, registry *cap.Registry, o options) (*endpoint, error) {
	reader, err := NewFrameReader(r, o.limits)
	if err != nil {
		return nil, err
	}
	writer, err := NewFrameWriter(w, o.limits)
	if err != nil {
		return nil, err
	}
	return &endpoint{
		reader:     reader,
		writer:     newSyncFrameWriter(writer),
		registry:   registry,
		serializer: o.serializer,
		logger:     o.logger,
		queue:      newInbox(),
		readDone:   make(chan struct{}),
	}, nil
}

// start launches the read loop. It is a no-op after the first call.
func (ep *endpoint) start() {
	if ep.started.CompareAndSwap(false, true) {
		go ep.readLoop()
	}
}

func (ep *endpoint) readLoop() {
	defer close(ep.readDone)
	for {
		frame, err := ep.reader.ReadFrame()
		if err != nil {
			ep.queue.push(event{err: ep.readFailure(err)})
			return
		}
		ep.reached.Store(true)
		ep.logger.Trace().Stringer("frame", frame).Msg("read frame")

		switch frame.FrameType {
		case FrameTypeInvoke, FrameTypePost:
			req, err := ep.accept(frame)
			if err != nil {
				ep.logger.Warn().Err(err).Msg("rejecting channel")
				ep.queue.push(event{err: err})
				return
			}
			ep.queue.push(event{request: req})
		case FrameTypeResult, FrameTypeException:
			ep.queue.push(event{response: frame})
		case FrameTypeCancel:
			ep.cancelCurrent()
		case FrameTypeQuit:
			ep.logger.Debug().Msg("peer sent quit")
			ep.queue.push(event{err: ErrRemoteQuit})
			return
		}
	}
}

func (ep *endpoint) readFailure(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindProtocol {
		ep.logger.Warn().Err(err).Msg("protocol error on read")
		return err
	}
	if errors.Is(err, io.EOF) {
		ep.logger.Debug().Msg("peer closed the stream")
	} else {
		ep.logger.Debug().Err(err).Msg("read failed")
	}
	return ErrUnexpectedEOF.with(err)
}

// accept resolves a request frame against the registry. An unknown name or
// a wrong argument count is a protocol error; a cancellation flag that
// disagrees with the declaration is answered with an exception.
func (ep *endpoint) accept(frame *Frame) (*request, error) {
	entry, err := ep.registry.Lookup(frame.Name)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Message: err.Error(), Err: err}
	}
	if len(frame.Args) != entry.ValueCount() {
		return nil, newProtocolError("'%s' takes %d arguments, frame carries %d", frame.Name, entry.ValueCount(), len(frame.Args))
	}

	req := &request{frame: frame, entry: entry}
	if frame.FrameType != FrameTypeInvoke {
		return req, nil
	}

	declared := entry.CancellationIndex() >= 0
	if frame.HasCancel != declared {
		req.reject = &Error{
			Kind:    KindUsage,
			Message: ErrCancellationMismatch.Message,
			Err:     newUsageError("caller cancellable=%v, '%s' declares cancellation=%v", frame.HasCancel, frame.Name, declared),
		}
		return req, nil
	}

	if frame.HasCancel {
		// One live cancellation object per endpoint; the newest invoke owns it.
		ctx, cancel := context.WithCancel(context.Background())
		ep.cancelMu.Lock()
		ep.currentCancel = cancel
		ep.cancelMu.Unlock()
		req.cancel = ctx
	}
	return req, nil
}

func (ep *endpoint) cancelCurrent() {
	ep.cancelMu.Lock()
	cancel := ep.currentCancel
	ep.cancelMu.Unlock()

	if cancel != nil {
		ep.logger.Debug().Msg("cancellation requested by peer")
		cancel()
	}
}

// serve dispatches requests until the channel ends. It returns nil for
// quit or a clean end of stream.
func (ep *endpoint) serve() error {
	for {
		ev := ep.queue.next()
		switch {
		case ev.err != nil:
			if errors.Is(ev.err, ErrRemoteQuit) || errors.Is(ev.err, io.EOF) {
				return nil
			}
			return ev.err
		case ev.response != nil:
			return newProtocolError("unexpected %s frame with no outstanding invoke", ev.response.FrameType)
		default:
			ep.dispatch(ev.request, false)
		}
	}
}

// await dispatches incoming requests until the response to the
// outstanding invoke arrives.
func (ep *endpoint) await() (*Frame, error) {
	for {
		ev := ep.queue.next()
		switch {
		case ev.err != nil:
			return nil, ev.err
		case ev.response != nil:
			return ev.response, nil
		default:
			ep.dispatch(ev.request, true)
		}
	}
}

// dispatch runs one request to completion and answers it. insideCall is
// true when the dispatching goroutine is waiting in call and already holds
// callMu, so operation contexts created here may invoke without taking it.
func (ep *endpoint) dispatch(req *request, insideCall bool) {
	frame := req.frame
	logger := ep.logger.With().Str("operation", frame.Name).Str("kind", frame.FrameType.String()).Logger()

	var value interface{}
	err := req.reject
	if err == nil {
		opctx := newOperationContext(ep, insideCall)
		value, err = ep.execute(req, opctx)
		opctx.expire()
	}

	if frame.FrameType == FrameTypePost {
		if err != nil {
			logger.Warn().Err(err).Msg("post handler failed")
		}
		return
	}

	var reply *Frame
	switch {
	case err != nil:
		logger.Debug().Err(err).Msg("operation faulted")
		reply = exceptionFrame(err)
	case req.entry.HasResult():
		reply = ep.resultFrame(req.entry, value)
	default:
		reply = NewEmptyResult()
	}

	if werr := ep.writer.WriteFrame(reply); werr != nil {
		logger.Warn().Err(werr).Msg("failed to send reply")
	}
}

func (ep *endpoint) resultFrame(entry *cap.Entry, value interface{}) *Frame {
	raw, err := ep.serializer.Marshal(value)
	if err != nil {
		return exceptionFrame(err)
	}
	if err := entry.ValidateResult(ep.serializer, raw); err != nil {
		return exceptionFrame(err)
	}
	return NewResult(raw)
}

// execute binds the declared parameters and runs the handler, turning a
// panic into a handlerPanic carrying the stack.
func (ep *endpoint) execute(req *request, opctx *OperationContext) (value interface{}, err error) {
	entry := req.entry
	args := make(cap.Args, len(entry.Params))
	next := 0
	for i, p := range entry.Params {
		switch p.Kind {
		case cap.ParamValue:
			v, err := entry.DecodeArg(ep.serializer, i, req.frame.Args[next])
			if err != nil {
				return nil, err
			}
			args[i] = v
			next++
		case cap.ParamCancel:
			if req.cancel != nil {
				args[i] = req.cancel
			} else {
				args[i] = context.Background()
			}
		case cap.ParamContext:
			args[i] = opctx
		}
	}

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &handlerPanic{value: r, stack: debug.Stack()}
		}
	}()
	return entry.Handler(args)
}

// call sends an invoke frame and waits for its response, dispatching
// requests from the peer meanwhile. A context among args, or a ctx that
// can be cancelled, becomes the cancellation signal for the call.
func (ep *endpoint) call(ctx context.Context, insideCall bool, name string, result interface{}, args []interface{}) error {
	if !insideCall {
		if !ep.callMu.TryLock() {
			return ErrConcurrentInvoke
		}
		defer ep.callMu.Unlock()
	}

	signal, values, err := splitCancellation(ctx, args)
	if err != nil {
		return err
	}
	raw, err := ep.encodeArgs(values)
	if err != nil {
		return err
	}

	var mine uint64
	if signal != nil {
		ep.stateMu.Lock()
		ep.cookie++
		mine = ep.cookie
		ep.stateMu.Unlock()
	}

	if err := ep.writer.WriteFrame(NewInvoke(name, signal != nil, raw)); err != nil {
		return ep.writeFailure(err)
	}
	ep.logger.Trace().Str("operation", name).Bool("cancellable", signal != nil).Msg("invoke sent")

	var stop func() bool
	if signal != nil {
		stop = context.AfterFunc(signal, func() { ep.sendCancel(mine) })
	}

	reply, err := ep.await()

	if signal != nil {
		stop()
		ep.stateMu.Lock()
		ep.cookie++
		ep.stateMu.Unlock()
	}

	if err != nil {
		return err
	}
	if reply.FrameType == FrameTypeException {
		return invocationErrorFromFrame(reply)
	}
	if reply.Value == nil || result == nil {
		return nil
	}
	return ep.serializer.Unmarshal(reply.Value, result)
}

// sendCancel writes a cancel frame if cookie still names the outstanding
// call. The check and the write happen under stateMu, so the cookie bump
// that ends the call cannot slip in between them.
func (ep *endpoint) sendCancel(cookie uint64) {
	ep.stateMu.Lock()
	defer ep.stateMu.Unlock()

	if ep.cookie != cookie {
		ep.logger.Debug().Uint64("cookie", cookie).Msg("stale cancellation ignored")
		return
	}
	if err := ep.writer.WriteFrame(NewCancel()); err != nil {
		ep.logger.Warn().Err(err).Msg("failed to send cancel")
	}
}

// post sends a fire-and-forget notification
func (ep *endpoint) post(name string, args []interface{}) error {
	for _, a := range args {
		if _, ok := a.(context.Context); ok {
			return newUsageError("post '%s' cannot carry a cancellation signal", name)
		}
	}
	raw, err := ep.encodeArgs(args)
	if err != nil {
		return err
	}
	if err := ep.writer.WriteFrame(NewPost(name, raw)); err != nil {
		return ep.writeFailure(err)
	}
	return nil
}

func (ep *endpoint) encodeArgs(values []interface{}) ([]cbor.RawValue, error) {
	raw := make([]cbor.RawValue, len(values))
	for i, v := range values {
		data, err := ep.serializer.Marshal(v)
		if err != nil {
			return nil, newUsageError("argument %d: %v", i, err)
		}
		raw[i] = data
	}
	return raw, nil
}

func (ep *endpoint) writeFailure(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return ErrUnexpectedEOF.with(err)
}

func splitCancellation(ctx context.Context, args []interface{}) (context.Context, []interface{}, error) {
	var signal context.Context
	if ctx != nil && ctx.Done() != nil {
		signal = ctx
	}

	values := make([]interface{}, 0, len(args))
	for _, a := range args {
		c, ok := a.(context.Context)
		if !ok {
			values = append(values, a)
			continue
		}
		if signal != nil {
			return nil, nil, ErrMultipleCancellation
		}
		signal = c
	}
	return signal, values, nil
}
