// Package cap holds the callable registry: the frozen table of named
// operations an endpoint can dispatch to.
package cap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/machinefabric/piperpc-go/cbor"
)

var (
	// ErrNotFound is returned by Lookup for an unregistered name
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a name is registered twice
	ErrDuplicate = errors.New("already registered")
	// ErrFrozen is returned when registering after Freeze
	ErrFrozen = errors.New("registry is frozen")
	// ErrInvalidEntry is returned for malformed entries
	ErrInvalidEntry = errors.New("invalid entry")
)

// ParamKind says how a declared parameter is bound at dispatch time
type ParamKind int

const (
	// ParamValue binds the next deserialized argument from the frame
	ParamValue ParamKind = iota
	// ParamCancel binds a context cancelled by the remote side's cancel frame
	ParamCancel
	// ParamContext binds a Peer scoped to the running invocation
	ParamContext
)

func (k ParamKind) String() string {
	switch k {
	case ParamValue:
		return "value"
	case ParamCancel:
		return "cancellation"
	case ParamContext:
		return "context"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// Param is the shape of one declared parameter
type Param struct {
	Kind   ParamKind
	Name   string
	Schema interface{} // optional JSON schema for value parameters

	decode   func(s cbor.Serializer, raw cbor.RawValue) (interface{}, error)
	compiled *compiledSchema
}

// Value declares a value parameter decoded into T
func Value[T any](name string) Param {
	return Param{
		Kind: ParamValue,
		Name: name,
		decode: func(s cbor.Serializer, raw cbor.RawValue) (interface{}, error) {
			var v T
			if err := s.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Cancellation declares the cancellation parameter. At most one per entry.
func Cancellation() Param {
	return Param{Kind: ParamCancel, Name: "cancellation"}
}

// Context declares an operation context parameter
func Context() Param {
	return Param{Kind: ParamContext, Name: "context"}
}

// WithSchema attaches a JSON schema the decoded argument must satisfy
func (p Param) WithSchema(schema interface{}) Param {
	p.Schema = schema
	return p
}

// ResultShape marks an operation as returning a value
type ResultShape struct {
	Schema interface{}

	compiled *compiledSchema
}

// Returns declares that an operation produces a result
func Returns() *ResultShape {
	return &ResultShape{}
}

// WithSchema attaches a JSON schema the encoded result must satisfy
func (r *ResultShape) WithSchema(schema interface{}) *ResultShape {
	r.Schema = schema
	return r
}

// Peer lets a running operation call back over the channel that invoked it.
// It is only valid while the owning invocation is executing.
type Peer interface {
	// Post sends a fire-and-forget notification
	Post(name string, args ...interface{}) error
	// Invoke calls name and blocks until it answers. result may be nil.
	Invoke(name string, result interface{}, args ...interface{}) error
	// InvokeContext is Invoke with a cancellation signal forwarded to the callee
	InvokeContext(ctx context.Context, name string, result interface{}, args ...interface{}) error
}

// Args holds the bound arguments of one invocation, one per declared Param
type Args []interface{}

// Cancellation returns the context bound at position i
func (a Args) Cancellation(i int) context.Context {
	return a[i].(context.Context)
}

// Peer returns the operation context bound at position i
func (a Args) Peer(i int) Peer {
	return a[i].(Peer)
}

// Arg returns the value bound at position i as T
func Arg[T any](a Args, i int) T {
	return a[i].(T)
}

// Handler executes an operation. The returned value is ignored when the
// entry declares no result.
type Handler func(args Args) (interface{}, error)

// Entry is one callable operation
type Entry struct {
	Name    string
	Params  []Param
	Result  *ResultShape
	Handler Handler

	cancelIndex int
	valueCount  int
}

// HasResult reports whether the operation sends a value back
func (e *Entry) HasResult() bool {
	return e.Result != nil
}

// CancellationIndex returns the position of the cancellation parameter, or -1
func (e *Entry) CancellationIndex() int {
	return e.cancelIndex
}

// ValueCount returns how many frame arguments the operation consumes
func (e *Entry) ValueCount() int {
	return e.valueCount
}

// DecodeArg decodes and validates the frame argument for parameter i
func (e *Entry) DecodeArg(s cbor.Serializer, i int, raw cbor.RawValue) (interface{}, error) {
	p := &e.Params[i]
	if p.Kind != ParamValue {
		return nil, fmt.Errorf("parameter %d of '%s' is a %s parameter: %w", i, e.Name, p.Kind, ErrInvalidEntry)
	}

	v, err := p.decode(s, raw)
	if err != nil {
		return nil, fmt.Errorf("argument '%s' of '%s': %w", p.Name, e.Name, err)
	}

	if p.compiled != nil {
		var generic interface{}
		if err := s.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("argument '%s' of '%s': %w", p.Name, e.Name, err)
		}
		if err := p.compiled.validate(e.Name, p.Name, generic, "argument"); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// ValidateResult checks an encoded result against the result schema, if any
func (e *Entry) ValidateResult(s cbor.Serializer, raw cbor.RawValue) error {
	if e.Result == nil || e.Result.compiled == nil {
		return nil
	}
	var generic interface{}
	if err := s.Unmarshal(raw, &generic); err != nil {
		return err
	}
	return e.Result.compiled.validate(e.Name, "", generic, "output")
}

// Registry maps operation names to entries. Entries are added during setup;
// Freeze makes the table read-only so dispatch can read it without locking.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	frozen  atomic.Bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register adds an entry
func (r *Registry) Register(entry Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("empty operation name: %w", ErrInvalidEntry)
	}
	if entry.Handler == nil {
		return fmt.Errorf("operation '%s' has no handler: %w", entry.Name, ErrInvalidEntry)
	}

	entry.cancelIndex = -1
	entry.valueCount = 0
	entry.Params = append([]Param(nil), entry.Params...)
	for i := range entry.Params {
		p := &entry.Params[i]
		switch p.Kind {
		case ParamValue:
			if p.decode == nil {
				return fmt.Errorf("operation '%s' parameter %d was not built with Value: %w", entry.Name, i, ErrInvalidEntry)
			}
			compiled, err := compileSchema(p.Schema)
			if err != nil {
				return fmt.Errorf("operation '%s' parameter '%s': %w", entry.Name, p.Name, err)
			}
			p.compiled = compiled
			entry.valueCount++
		case ParamCancel:
			if entry.cancelIndex != -1 {
				return fmt.Errorf("operation '%s' has multiple cancellation parameters: %w", entry.Name, ErrInvalidEntry)
			}
			entry.cancelIndex = i
		case ParamContext:
		default:
			return fmt.Errorf("operation '%s' parameter %d has unknown kind %d: %w", entry.Name, i, p.Kind, ErrInvalidEntry)
		}
	}

	if entry.Result != nil {
		result := *entry.Result
		compiled, err := compileSchema(result.Schema)
		if err != nil {
			return fmt.Errorf("operation '%s' result: %w", entry.Name, err)
		}
		result.compiled = compiled
		entry.Result = &result
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("cannot register '%s': %w", entry.Name, ErrFrozen)
	}
	if _, exists := r.entries[entry.Name]; exists {
		return fmt.Errorf("operation '%s' %w", entry.Name, ErrDuplicate)
	}
	r.entries[entry.Name] = &entry
	return nil
}

// Add is Register with positional fields
func (r *Registry) Add(name string, params []Param, result *ResultShape, handler Handler) error {
	return r.Register(Entry{Name: name, Params: params, Result: result, Handler: handler})
}

// MustAdd is Add for setup code where a failure is a programming error
func (r *Registry) MustAdd(name string, params []Param, result *ResultShape, handler Handler) {
	if err := r.Add(name, params, result, handler); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup finds an entry by name
func (r *Registry) Lookup(name string) (*Entry, error) {
	var entry *Entry
	var ok bool
	if r.frozen.Load() {
		entry, ok = r.entries[name]
	} else {
		r.mu.Lock()
		entry, ok = r.entries[name]
		r.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("operation '%s' %w", name, ErrNotFound)
	}
	return entry, nil
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
