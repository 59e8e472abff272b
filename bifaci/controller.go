package bifaci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/machinefabric/piperpc-go/cap"
	"github.com/machinefabric/piperpc-go/sandbox"
)

// exitGrace bounds how long a failed call waits for the host to report an
// exit before deciding between "failed to start" and "unexpected EOF".
const exitGrace = 2 * time.Second

// Controller owns a channel to one worker. It launches the worker, invokes
// its operations and serves the callbacks the worker makes while an invoke
// is outstanding.
type Controller struct {
	mode     sandbox.Mode
	handle   Handle
	registry *cap.Registry
	logger   zerolog.Logger

	in  *os.File // read end, fed by the worker
	out *os.File // write end, drained by the worker

	// worker ends; nil once handed to a child process or released
	childIn  *os.File
	childOut *os.File

	ep *endpoint

	mu        sync.Mutex
	started   bool
	disposed  bool
	host      sandbox.Host
	closeOnce sync.Once
}

// NewController creates the pipe pair and the handle for a worker running
// in the given mode.
func NewController(mode sandbox.Mode, opts ...Option) (*Controller, error) {
	o := buildOptions("controller", opts)

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}

	c := &Controller{
		mode:     mode,
		registry: cap.NewRegistry(),
		logger:   o.logger,
		in:       inR,
		out:      outW,
	}

	switch mode {
	case sandbox.ModeProcess:
		// ExtraFiles start at descriptor 3
		c.childIn = inW
		c.childOut = outR
		c.handle = Handle{In: strconv.Itoa(3), Out: strconv.Itoa(4)}
	default:
		c.handle = Handle{In: registerPipe(inW), Out: registerPipe(outR)}
	}

	ep, err := newEndpoint(inR, outW, c.registry, o)
	if err != nil {
		c.closeAll()
		return nil, err
	}
	c.ep = ep
	return c, nil
}

// Handle returns the channel handle to pass to the worker
func (c *Controller) Handle() Handle {
	return c.handle
}

// Mode returns where the worker runs
func (c *Controller) Mode() sandbox.Mode {
	return c.mode
}

// Host returns the worker host, or nil before Start or with a
// caller-managed worker
func (c *Controller) Host() sandbox.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// On registers a callback the worker may invoke or post to
func (c *Controller) On(name string, params []cap.Param, result *cap.ResultShape, handler cap.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.started {
		return ErrAlreadyStarted.with(fmt.Errorf("cannot register '%s' after start", name))
	}
	if err := c.registry.Add(name, params, result, handler); err != nil {
		return &Error{Kind: KindUsage, Message: "invalid callback registration", Err: err}
	}
	return nil
}

// Start freezes the callbacks and launches the worker described by spec,
// passing the handle as its first argument. With a nil spec the caller
// runs the worker itself (see Handle).
func (c *Controller) Start(spec *sandbox.LaunchSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.registry.Freeze()

	if spec == nil {
		c.started = true
		c.ep.start()
		c.logger.Debug().Str("handle", c.handle.String()).Msg("controller started for external worker")
		return nil
	}

	args := []string{c.handle.String()}
	var host sandbox.Host
	var err error
	switch c.mode {
	case sandbox.ModeProcess:
		var ph *sandbox.ProcessHost
		ph, err = sandbox.StartProcess(spec, args, []*os.File{c.childIn, c.childOut})
		host = ph
		// the child holds its own copies now; ours would keep the pipes open
		c.childIn.Close()
		c.childOut.Close()
		c.childIn, c.childOut = nil, nil
	default:
		var ih *sandbox.InProcessHost
		ih, err = sandbox.StartInProcess(spec, args)
		host = ih
	}
	c.host = host
	// later calls see an exited host that never answered
	c.started = true
	if err != nil {
		c.logger.Warn().Err(err).Str("path", spec.Path).Msg("worker failed to start")
		return ErrWorkerFailedToStart.with(err)
	}

	host.OnExited(func() {
		c.logger.Debug().Msg("worker exited, closing streams")
		c.closeStreams()
	})
	c.ep.start()
	c.logger.Debug().Str("path", spec.Path).Stringer("mode", c.mode).Msg("worker started")
	return nil
}

// Invoke calls name on the worker and decodes its result into result,
// which may be nil. A context.Context among args is forwarded as the
// cancellation signal and is not serialized.
func (c *Controller) Invoke(name string, result interface{}, args ...interface{}) error {
	return c.InvokeContext(context.Background(), name, result, args...)
}

// InvokeContext is Invoke with ctx as the cancellation signal. Cancelling
// ctx sends a cancel frame while the call is outstanding; the worker's
// handler decides how to react. A ctx that can never be cancelled makes a
// plain, non-cancellable invoke.
func (c *Controller) InvokeContext(ctx context.Context, name string, result interface{}, args ...interface{}) error {
	if err := c.ready(); err != nil {
		return err
	}
	err := c.ep.call(ctx, false, name, result, args)
	if errors.Is(err, ErrUnexpectedEOF) {
		return c.classifyEOF(err)
	}
	return err
}

// Post sends a fire-and-forget notification to the worker
func (c *Controller) Post(name string, args ...interface{}) error {
	if err := c.ready(); err != nil {
		return err
	}
	err := c.ep.post(name, args)
	if errors.Is(err, ErrUnexpectedEOF) {
		return c.classifyEOF(err)
	}
	return err
}

func (c *Controller) ready() error {
	c.mu.Lock()
	started, disposed, host := c.started, c.disposed, c.host
	c.mu.Unlock()

	if disposed {
		return ErrDisposed
	}
	if !started {
		return ErrNotStarted
	}
	if host != nil && host.HasExited() && !c.ep.reached.Load() {
		return ErrWorkerFailedToStart
	}
	return nil
}

// classifyEOF reports a worker that exited without ever answering as
// having failed to start.
func (c *Controller) classifyEOF(err error) error {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()

	if host == nil || c.ep.reached.Load() {
		return err
	}
	select {
	case <-host.Exited():
		return ErrWorkerFailedToStart.with(err)
	case <-time.After(exitGrace):
		return err
	}
}

// Dispose sends quit, closes the streams, waits for the read loop and then
// releases the worker host. Failures of an already broken channel are
// swallowed; the host's own failure is returned.
func (c *Controller) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	host := c.host
	c.mu.Unlock()

	if err := c.ep.writer.WriteFrame(NewQuit()); err != nil {
		c.logger.Debug().Err(err).Msg("quit not delivered")
	}
	c.closeAll()
	if c.ep.started.Load() {
		<-c.ep.readDone
	}

	if host == nil {
		return nil
	}
	if err := host.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("worker host reported failure")
		return err
	}
	return nil
}

func (c *Controller) closeStreams() {
	c.closeOnce.Do(func() {
		c.in.Close()
		c.out.Close()
	})
}

func (c *Controller) closeAll() {
	c.closeStreams()
	if c.childIn != nil {
		c.childIn.Close()
		c.childOut.Close()
		c.childIn, c.childOut = nil, nil
	}
	if c.mode == sandbox.ModeInProcess {
		releasePipe(c.handle.In)
		releasePipe(c.handle.Out)
	}
}
