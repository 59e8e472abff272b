package sandbox

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InProcessHost runs a worker entry on a background goroutine
type InProcessHost struct {
	*exitNotifier
	name   string
	err    error
	logger zerolog.Logger
}

// StartInProcess runs the worker entry named by spec on a new goroutine.
// spec.Entry wins over a lookup of spec.Path in the entry table. A panic in
// the entry is recovered and reported by Close.
func StartInProcess(spec *LaunchSpec, args []string) (*InProcessHost, error) {
	h := &InProcessHost{
		exitNotifier: newExitNotifier(),
		logger:       log.Logger.With().Str("component", "sandbox").Logger(),
	}

	entry := spec.Entry
	h.name = spec.Path
	if entry == nil {
		var err error
		entry, err = LookupEntry(spec.Path)
		if err != nil {
			h.err = err
			h.markExited()
			return h, err
		}
	}

	h.logger.Debug().Str("entry", h.name).Msg("starting in-process worker")
	go h.run(entry, args)
	return h, nil
}

func (h *InProcessHost) run(entry Entry, args []string) {
	defer h.markExited()
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("worker entry %q panicked: %v\n%s", h.name, r, debug.Stack())
		}
	}()

	h.err = entry(args)
	if h.err != nil {
		h.logger.Warn().Err(h.err).Str("entry", h.name).Msg("in-process worker failed")
	} else {
		h.logger.Debug().Str("entry", h.name).Msg("in-process worker finished")
	}
}

// Close waits for the entry to return and reports its error
func (h *InProcessHost) Close() error {
	<-h.Exited()
	return h.err
}
