// Package sandbox starts workers and reports when they are gone. A worker
// runs either on a background goroutine of this process or as a child
// process; both are driven through the same Host interface.
package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Host is a started worker
type Host interface {
	// HasExited reports whether the worker has terminated
	HasExited() bool
	// OnExited registers fn to run once the worker terminated. fn runs
	// exactly once, immediately if the worker already exited.
	OnExited(fn func())
	// Exited is closed when the worker terminated
	Exited() <-chan struct{}
	// Close waits for the worker to terminate and releases it. It returns
	// the worker's failure, if any.
	Close() error
}

// Mode selects where a worker runs
type Mode int

const (
	// ModeInProcess runs the worker on a goroutine of this process
	ModeInProcess Mode = iota
	// ModeProcess runs the worker as a child process
	ModeProcess
)

func (m Mode) String() string {
	switch m {
	case ModeInProcess:
		return "in-process"
	case ModeProcess:
		return "process"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the output of Mode.String
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in-process", "inprocess", "local":
		return ModeInProcess, nil
	case "process", "remote":
		return ModeProcess, nil
	default:
		return 0, fmt.Errorf("unknown worker mode %q", s)
	}
}

// UnmarshalText lets Mode be read from configuration files
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalText is the inverse of UnmarshalText
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Entry is the body of an in-process worker. args[0] is the channel
// handle; the rest are LaunchSpec.Args.
type Entry func(args []string) error

// ErrEntryNotFound is returned when an in-process entry name is unknown
var ErrEntryNotFound = errors.New("worker entry not found")

var entries = struct {
	sync.RWMutex
	byName map[string]Entry
}{byName: make(map[string]Entry)}

// Register makes an in-process worker entry available under name, so a
// LaunchSpec can refer to it by Path.
func Register(name string, entry Entry) error {
	if name == "" || entry == nil {
		return fmt.Errorf("register worker entry: name and entry are required")
	}
	entries.Lock()
	defer entries.Unlock()
	if _, exists := entries.byName[name]; exists {
		return fmt.Errorf("worker entry %q already registered", name)
	}
	entries.byName[name] = entry
	return nil
}

// MustRegister is Register for init functions
func MustRegister(name string, entry Entry) {
	if err := Register(name, entry); err != nil {
		panic(err)
	}
}

// LookupEntry finds a registered in-process entry
func LookupEntry(name string) (Entry, error) {
	entries.RLock()
	defer entries.RUnlock()
	entry, ok := entries.byName[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrEntryNotFound)
	}
	return entry, nil
}

// Entries lists the registered entry names
func Entries() []string {
	entries.RLock()
	defer entries.RUnlock()
	names := make([]string, 0, len(entries.byName))
	for name := range entries.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// exitNotifier implements the exit half of Host
type exitNotifier struct {
	mu      sync.Mutex
	exited  chan struct{}
	done    bool
	waiters []func()
}

func newExitNotifier() *exitNotifier {
	return &exitNotifier{exited: make(chan struct{})}
}

func (n *exitNotifier) HasExited() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

func (n *exitNotifier) Exited() <-chan struct{} {
	return n.exited
}

func (n *exitNotifier) OnExited(fn func()) {
	n.mu.Lock()
	if n.done {
		n.mu.Unlock()
		fn()
		return
	}
	n.waiters = append(n.waiters, fn)
	n.mu.Unlock()
}

// markExited fires the callbacks. Later calls do nothing.
func (n *exitNotifier) markExited() {
	n.mu.Lock()
	if n.done {
		n.mu.Unlock()
		return
	}
	n.done = true
	waiters := n.waiters
	n.waiters = nil
	close(n.exited)
	n.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}
