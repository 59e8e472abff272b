package bifaci

import (
	"context"
	"sync/atomic"

	"github.com/machinefabric/piperpc-go/cap"
)

// OperationContext lets a running handler call back over the channel that
// invoked it. It is handed to handlers that declare a cap.Context()
// parameter and stops working the moment the handler returns. Use it only
// from the handler's own goroutine.
type OperationContext struct {
	ep         *endpoint
	insideCall bool
	live       atomic.Bool
}

var _ cap.Peer = (*OperationContext)(nil)

func newOperationContext(ep *endpoint, insideCall bool) *OperationContext {
	c := &OperationContext{ep: ep, insideCall: insideCall}
	c.live.Store(true)
	return c
}

func (c *OperationContext) expire() {
	c.live.Store(false)
}

// Post sends a fire-and-forget notification to the invoking side
func (c *OperationContext) Post(name string, args ...interface{}) error {
	if !c.live.Load() {
		return ErrContextExpired
	}
	return c.ep.post(name, args)
}

// Invoke calls back into the invoking side and blocks this handler until
// the answer arrives. result may be nil.
func (c *OperationContext) Invoke(name string, result interface{}, args ...interface{}) error {
	return c.InvokeContext(context.Background(), name, result, args...)
}

// InvokeContext is Invoke with ctx forwarded as the cancellation signal
func (c *OperationContext) InvokeContext(ctx context.Context, name string, result interface{}, args ...interface{}) error {
	if !c.live.Load() {
		return ErrContextExpired
	}
	return c.ep.call(ctx, c.insideCall, name, result, args)
}
