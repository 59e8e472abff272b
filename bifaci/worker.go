package bifaci

import (
	"io"
	"sync"

	"github.com/machinefabric/piperpc-go/cap"
)

// Worker serves the operations of a registry over a channel opened from a
// handle. Requests run one at a time on the goroutine that called Run,
// while a separate read loop keeps watching for cancel and quit.
type Worker struct {
	reader io.ReadCloser
	writer io.WriteCloser
	ep     *endpoint

	mu       sync.Mutex
	running  bool
	disposed bool
	once     sync.Once
}

// NewWorker opens the worker's ends of handle. The registry is frozen.
func NewWorker(handle Handle, registry *cap.Registry, opts ...Option) (*Worker, error) {
	r, w, err := handle.Open()
	if err != nil {
		return nil, err
	}
	worker, err := NewStreamWorker(r, w, registry, opts...)
	if err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return worker, nil
}

// OpenWorker parses a serialized handle and opens it
func OpenWorker(handle string, registry *cap.Registry, opts ...Option) (*Worker, error) {
	h, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	return NewWorker(h, registry, opts...)
}

// NewStreamWorker serves registry over an arbitrary stream pair. r carries
// frames from the controller, w carries frames to it.
func NewStreamWorker(r io.ReadCloser, w io.WriteCloser, registry *cap.Registry, opts ...Option) (*Worker, error) {
	o := buildOptions("worker", opts)
	registry.Freeze()
	ep, err := newEndpoint(r, w, registry, o)
	if err != nil {
		return nil, err
	}
	return &Worker{reader: r, writer: w, ep: ep}, nil
}

// Run serves requests until the controller sends quit or closes its
// stream, both of which return nil. A protocol error ends Run with that
// error. Run may be called once.
func (w *Worker) Run() error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return ErrDisposed
	}
	if w.running {
		w.mu.Unlock()
		return newUsageError("worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	w.ep.logger.Debug().Msg("worker running")
	w.ep.start()
	err := w.ep.serve()
	if err != nil {
		w.ep.logger.Warn().Err(err).Msg("worker stopped")
	} else {
		w.ep.logger.Debug().Msg("worker stopped")
	}
	return err
}

// Dispose closes the worker's stream ends. It is safe to call more than once.
func (w *Worker) Dispose() error {
	w.mu.Lock()
	w.disposed = true
	w.mu.Unlock()

	var err error
	w.once.Do(func() {
		rerr := w.reader.Close()
		werr := w.writer.Close()
		if rerr != nil {
			err = rerr
		} else {
			err = werr
		}
	})
	return err
}
