package bifaci

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/piperpc-go/cap"
	"github.com/machinefabric/piperpc-go/sandbox"
)

type complexValue struct {
	ID       int                  `cbor:"id"`
	Tags     []string             `cbor:"tags"`
	Scores   map[string][]float64 `cbor:"scores"`
	Nested   []map[string]int     `cbor:"nested"`
	When     time.Time            `cbor:"when"`
	Optional *string              `cbor:"optional"`
}

func newComplexValue(i int) complexValue {
	note := "note"
	return complexValue{
		ID:       i,
		Tags:     []string{"a", "b", ""},
		Scores:   map[string][]float64{"x": {1.5, -2.25}, "empty": {}},
		Nested:   []map[string]int{{"k": i}, {}},
		When:     time.Date(2021, 7, 4, 12, 30, 0, 5000, time.FixedZone("", -7*3600)),
		Optional: &note,
	}
}

func assertComplexEqual(t *testing.T, want, got complexValue) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Tags, got.Tags)
	assert.Equal(t, want.Scores, got.Scores)
	assert.Equal(t, want.Nested, got.Nested)
	assert.Equal(t, want.Optional, got.Optional)
	assert.True(t, want.When.Equal(got.When), "want %v got %v", want.When, got.When)
	_, wantOffset := want.When.Zone()
	_, gotOffset := got.When.Zone()
	assert.Equal(t, wantOffset, gotOffset)
}

// testWorkerRegistry holds the operations the integration tests call
func testWorkerRegistry() *cap.Registry {
	r := cap.NewRegistry()
	r.MustAdd("echo", []cap.Param{cap.Value[complexValue]("value")}, cap.Returns(),
		func(args cap.Args) (interface{}, error) {
			return args[0], nil
		})
	r.MustAdd("wait", []cap.Param{cap.Cancellation(), cap.Context()}, cap.Returns(),
		func(args cap.Args) (interface{}, error) {
			if err := args.Peer(1).Post("started"); err != nil {
				return nil, err
			}
			select {
			case <-args.Cancellation(0).Done():
				return true, nil
			case <-time.After(10 * time.Second):
				return false, nil
			}
		})
	r.MustAdd("fault", nil, cap.Returns(), func(cap.Args) (interface{}, error) {
		return nil, errors.New("always fails")
	})
	r.MustAdd("relay", []cap.Param{cap.Value[int]("x"), cap.Context()}, cap.Returns(),
		func(args cap.Args) (interface{}, error) {
			var doubled int
			if err := args.Peer(1).Invoke("double", &doubled, cap.Arg[int](args, 0)+2); err != nil {
				return nil, err
			}
			return doubled + 1, nil
		})
	r.MustAdd("countdown", []cap.Param{cap.Value[int]("n"), cap.Context()}, cap.Returns(),
		func(args cap.Args) (interface{}, error) {
			n := cap.Arg[int](args, 0)
			if n == 0 {
				return 0, nil
			}
			var rest int
			err := args.Peer(1).Invoke("bounce", &rest, n-1)
			return rest + 1, err
		})
	r.MustAdd("progress", []cap.Param{cap.Value[int]("count"), cap.Context()}, nil,
		func(args cap.Args) (interface{}, error) {
			for i := 0; i < cap.Arg[int](args, 0); i++ {
				if err := args.Peer(1).Post("tick", i); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
	r.MustAdd("note", []cap.Param{cap.Value[string]("text"), cap.Context()}, nil,
		func(args cap.Args) (interface{}, error) {
			return nil, args.Peer(1).Post("noted", cap.Arg[string](args, 0))
		})
	r.MustAdd("vanish", nil, cap.Returns(), func(cap.Args) (interface{}, error) {
		runtime.Goexit()
		return nil, nil
	})
	return r
}

func testWorkerEntry(args []string) error {
	w, err := OpenWorker(args[0], testWorkerRegistry())
	if err != nil {
		return err
	}
	defer w.Dispose()
	return w.Run()
}

// newInProcess creates a controller, lets setup register callbacks and
// starts the test worker on a goroutine.
func newInProcess(t *testing.T, setup func(c *Controller)) *Controller {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)
	if setup != nil {
		setup(c)
	}
	require.NoError(t, c.Start(&sandbox.LaunchSpec{Path: "test-worker", Entry: testWorkerEntry}))
	t.Cleanup(func() { c.Dispose() })
	return c
}

// TEST601: structured values survive an echo round trip
func Test601_echo_roundtrip(t *testing.T) {
	c := newInProcess(t, nil)

	want := newComplexValue(1)
	var got complexValue
	require.NoError(t, c.Invoke("echo", &got, want))
	assertComplexEqual(t, want, got)

	require.NoError(t, c.Dispose())
}

// TEST602: 1000 sequential round trips on one channel
func Test602_repeated_roundtrips(t *testing.T) {
	c := newInProcess(t, nil)

	for i := 0; i < 1000; i++ {
		want := newComplexValue(i)
		var got complexValue
		require.NoError(t, c.Invoke("echo", &got, want))
		assertComplexEqual(t, want, got)
	}
}

// TEST603: cancellation observed by the handler returns its result
func Test603_cancellation_observed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newInProcess(t, func(c *Controller) {
		require.NoError(t, c.On("started", nil, nil, func(cap.Args) (interface{}, error) {
			cancel()
			return nil, nil
		}))
	})

	var observed bool
	require.NoError(t, c.InvokeContext(ctx, "wait", &observed))
	assert.True(t, observed)

	// the channel is still usable afterwards
	var got complexValue
	require.NoError(t, c.Invoke("echo", &got, newComplexValue(2)))
	assert.Equal(t, 2, got.ID)
}

// TEST604: a context among the arguments is the cancellation signal
func Test604_cancellation_signal_in_args(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newInProcess(t, func(c *Controller) {
		require.NoError(t, c.On("started", nil, nil, func(cap.Args) (interface{}, error) {
			cancel()
			return nil, nil
		}))
	})

	var observed bool
	require.NoError(t, c.Invoke("wait", &observed, ctx))
	assert.True(t, observed)

	other, stop := context.WithCancel(context.Background())
	defer stop()
	err := c.InvokeContext(other, "wait", &observed, ctx)
	assert.True(t, errors.Is(err, ErrMultipleCancellation))
}

// TEST605: a faulting handler yields an InvocationError every time
func Test605_fault_repetition(t *testing.T) {
	c := newInProcess(t, nil)

	for i := 0; i < 5; i++ {
		err := c.Invoke("fault", nil)
		var ie *InvocationError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "always fails", ie.Message)
		assert.Equal(t, "*errors.errorString", ie.RemoteType)
	}

	var got complexValue
	require.NoError(t, c.Invoke("echo", &got, newComplexValue(3)))
	assert.Equal(t, 3, got.ID)
}

// TEST606: relay(40) calls back double(42) and returns 85
func Test606_nested_invocation(t *testing.T) {
	var order []string
	c := newInProcess(t, func(c *Controller) {
		require.NoError(t, c.On("double", []cap.Param{cap.Value[int]("x")}, cap.Returns(),
			func(args cap.Args) (interface{}, error) {
				order = append(order, "double")
				return cap.Arg[int](args, 0) * 2, nil
			}))
	})

	var result int
	require.NoError(t, c.Invoke("relay", &result, 40))
	order = append(order, "relay")
	assert.Equal(t, 85, result)
	assert.Equal(t, []string{"double", "relay"}, order)
}

// TEST607: calls nest in both directions through operation contexts
func Test607_deep_nesting(t *testing.T) {
	c := newInProcess(t, func(c *Controller) {
		require.NoError(t, c.On("bounce", []cap.Param{cap.Value[int]("n"), cap.Context()}, cap.Returns(),
			func(args cap.Args) (interface{}, error) {
				var rest int
				err := args.Peer(1).Invoke("countdown", &rest, cap.Arg[int](args, 0))
				return rest + 1, err
			}))
	})

	var result int
	// each hop in either direction adds one
	require.NoError(t, c.Invoke("countdown", &result, 6))
	assert.Equal(t, 12, result)
}

// TEST608: a second invoke in the same direction from outside the
// operation context is refused instead of deadlocking
func Test608_concurrent_invoke_refused(t *testing.T) {
	var c *Controller
	c = newInProcess(t, func(ctrl *Controller) {
		require.NoError(t, ctrl.On("double", []cap.Param{cap.Value[int]("x")}, cap.Returns(),
			func(args cap.Args) (interface{}, error) {
				return nil, c.Invoke("echo", nil, newComplexValue(0))
			}))
	})

	err := c.Invoke("relay", nil, 1)
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Message, ErrConcurrentInvoke.Message)
}

// TEST609: posts from a handler are delivered before its result
func Test609_progress_posts(t *testing.T) {
	var ticks []int
	c := newInProcess(t, func(c *Controller) {
		require.NoError(t, c.On("tick", []cap.Param{cap.Value[int]("i")}, nil,
			func(args cap.Args) (interface{}, error) {
				ticks = append(ticks, cap.Arg[int](args, 0))
				return nil, nil
			}))
	})

	require.NoError(t, c.Invoke("progress", nil, 5))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ticks)
}

// TEST610: the controller posts to the worker, which posts back
func Test610_post_both_ways(t *testing.T) {
	var noted []string
	c := newInProcess(t, func(c *Controller) {
		require.NoError(t, c.On("noted", []cap.Param{cap.Value[string]("text")}, nil,
			func(args cap.Args) (interface{}, error) {
				noted = append(noted, cap.Arg[string](args, 0))
				return nil, nil
			}))
	})

	require.NoError(t, c.Post("note", "hello"))
	// the post back is served by the next wait
	var got complexValue
	require.NoError(t, c.Invoke("echo", &got, newComplexValue(4)))
	assert.Equal(t, []string{"hello"}, noted)
}

// TEST611: an unknown operation ends the channel; the caller sees end of stream
func Test611_unknown_operation(t *testing.T) {
	c := newInProcess(t, nil)

	var got complexValue
	require.NoError(t, c.Invoke("echo", &got, newComplexValue(5)))

	err := c.Invoke("missing", nil)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF), "got %v", err)

	err = c.Dispose()
	assert.True(t, errors.Is(err, cap.ErrNotFound), "got %v", err)
}

// TEST612: a worker that vanishes mid-call fails the call instead of hanging
func Test612_worker_death(t *testing.T) {
	c := newInProcess(t, nil)

	var got complexValue
	require.NoError(t, c.Invoke("echo", &got, newComplexValue(6)))

	err := c.Invoke("vanish", nil)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF), "got %v", err)

	err = c.Invoke("echo", &got, newComplexValue(7))
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
}

// TEST613: a worker that never answers is reported as failed to start
func Test613_worker_failed_to_start(t *testing.T) {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Start(&sandbox.LaunchSpec{Path: "broken", Entry: func([]string) error {
		return errors.New("no worker here")
	}}))
	<-c.Host().Exited()

	err = c.Invoke("echo", nil, newComplexValue(8))
	assert.True(t, errors.Is(err, ErrWorkerFailedToStart), "got %v", err)
}

// TEST614: an unknown in-process entry fails Start synchronously
func Test614_start_unknown_entry(t *testing.T) {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)
	defer c.Dispose()

	err = c.Start(&sandbox.LaunchSpec{Path: "no-such-entry"})
	assert.True(t, errors.Is(err, ErrWorkerFailedToStart))
	assert.True(t, c.Host().HasExited())

	err = c.Invoke("echo", nil, newComplexValue(9))
	assert.True(t, errors.Is(err, ErrWorkerFailedToStart), "got %v", err)
}

// TEST615: lifecycle usage errors
func Test615_lifecycle_usage_errors(t *testing.T) {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)

	assert.True(t, errors.Is(c.Invoke("echo", nil), ErrNotStarted))
	assert.True(t, errors.Is(c.Post("note", "x"), ErrNotStarted))

	noop := func(cap.Args) (interface{}, error) { return nil, nil }
	require.NoError(t, c.On("cb", nil, nil, noop))
	assert.True(t, errors.Is(c.On("cb", nil, nil, noop), ErrUsage))

	require.NoError(t, c.Start(&sandbox.LaunchSpec{Path: "test-worker", Entry: testWorkerEntry}))
	assert.True(t, errors.Is(c.Start(nil), ErrAlreadyStarted))
	assert.True(t, errors.Is(c.On("late", nil, nil, noop), ErrAlreadyStarted))

	require.NoError(t, c.Dispose())
	assert.NoError(t, c.Dispose())
	assert.True(t, errors.Is(c.Invoke("echo", nil), ErrDisposed))
}

// TEST616: Dispose before Start releases the unclaimed pipe ends
func Test616_dispose_before_start(t *testing.T) {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)
	h := c.Handle()
	require.NoError(t, c.Dispose())

	_, _, err = h.Open()
	assert.True(t, errors.Is(err, ErrInvalidHandle))
}

// TEST617: cancelling after a call completed sends nothing
func Test617_cancel_after_completion(t *testing.T) {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)
	defer c.Dispose()
	require.NoError(t, c.Start(nil))

	r, w, err := c.Handle().Open()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	peerR, err := NewFrameReader(r, DefaultLimits())
	require.NoError(t, err)
	peerW, err := NewFrameWriter(w, DefaultLimits())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.InvokeContext(ctx, "first", nil) }()

	f, err := peerR.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "first", f.Name)
	assert.True(t, f.HasCancel)
	require.NoError(t, peerW.WriteFrame(NewEmptyResult()))
	require.NoError(t, <-done)

	cancel()

	go func() { done <- c.Invoke("second", nil) }()
	f, err = peerR.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeInvoke, f.FrameType, "a stale cancel must not be sent")
	assert.Equal(t, "second", f.Name)
	assert.False(t, f.HasCancel)
	require.NoError(t, peerW.WriteFrame(NewEmptyResult()))
	require.NoError(t, <-done)
}

// TEST618: cancelling during a call sends exactly one cancel frame
func Test618_cancel_during_call(t *testing.T) {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)
	defer c.Dispose()
	require.NoError(t, c.Start(nil))

	r, w, err := c.Handle().Open()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	peerR, err := NewFrameReader(r, DefaultLimits())
	require.NoError(t, err)
	peerW, err := NewFrameWriter(w, DefaultLimits())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.InvokeContext(ctx, "slow", nil) }()

	f, err := peerR.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameTypeInvoke, f.FrameType)

	cancel()
	f, err = peerR.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeCancel, f.FrameType)

	require.NoError(t, peerW.WriteFrame(NewException("cancelled", "context.Canceled", nil)))
	var ie *InvocationError
	require.ErrorAs(t, <-done, &ie)
	assert.Equal(t, "cancelled", ie.Message)
}

// TEST619: the worker's quit reply wakes a waiting controller
func Test619_remote_quit(t *testing.T) {
	c, err := NewController(sandbox.ModeInProcess)
	require.NoError(t, err)
	defer c.Dispose()
	require.NoError(t, c.Start(nil))

	r, w, err := c.Handle().Open()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	peerR, err := NewFrameReader(r, DefaultLimits())
	require.NoError(t, err)
	peerW, err := NewFrameWriter(w, DefaultLimits())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Invoke("anything", nil) }()
	_, err = peerR.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, peerW.WriteFrame(NewQuit()))

	assert.True(t, errors.Is(<-done, ErrRemoteQuit))
	assert.True(t, errors.Is(c.Invoke("again", nil), ErrRemoteQuit))
}
